package rules

import (
	"log/slog"
	"sync"

	"medsentry/internal/schema"
)

// Candidate is one fired detection, ready to be persisted as a threat.
type Candidate struct {
	RuleID      string
	Type        string
	Description string
	Severity    schema.Severity
}

// Engine evaluates telemetry snapshots against an ordered rule set.
type Engine struct {
	mu     sync.RWMutex
	rules  []*Rule
	logger *slog.Logger
}

// NewEngine creates an engine with the given rules. A nil or empty
// rule set falls back to the built-in policy.
func NewEngine(rules []*Rule, logger *slog.Logger) *Engine {
	if len(rules) == 0 {
		rules = BuiltinRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, logger: logger}
}

// Reload replaces the rule set for subsequent evaluations. Rules are
// immutable within one evaluation cycle.
func (e *Engine) Reload(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Rules returns the current rule set in definition order.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate applies each rule independently to the telemetry snapshot
// and returns fired candidates in rule-definition order. A failure in
// one rule degrades detection but never blocks the remaining rules or
// the ingest path. Multiple rules may fire for one snapshot.
func (e *Engine) Evaluate(metrics map[string]any) []Candidate {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var fired []Candidate
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if candidate, ok := e.evalOne(rule, metrics); ok {
			fired = append(fired, candidate)
		}
	}
	return fired
}

// evalOne evaluates a single rule, containing panics so one broken
// rule cannot abort the rest.
func (e *Engine) evalOne(rule *Rule, metrics map[string]any) (c Candidate, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation failed",
				"rule_id", rule.ID,
				"metric", rule.Metric,
				"panic", r,
			)
			ok = false
		}
	}()

	value, present := metrics[rule.Metric]
	if !present {
		return Candidate{}, false
	}
	if !rule.Eval(value) {
		return Candidate{}, false
	}

	return Candidate{
		RuleID:      rule.ID,
		Type:        rule.ThreatType,
		Description: rule.Description,
		Severity:    rule.Severity,
	}, true
}
