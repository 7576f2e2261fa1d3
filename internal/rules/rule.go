// Package rules provides the telemetry rule-evaluation engine.
// Rules are a closed set of typed threshold predicates loaded as data;
// stored rule definitions are never interpreted as live code.
package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"medsentry/internal/schema"
)

// Operator defines the comparison applied to a metric value.
type Operator string

const (
	OpGT Operator = "gt"
	OpGE Operator = "gte"
	OpLT Operator = "lt"
	OpLE Operator = "lte"
	OpEQ Operator = "eq"
	OpNE Operator = "ne"
)

// IsValid checks if the operator is a valid value.
func (o Operator) IsValid() bool {
	switch o {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE:
		return true
	}
	return false
}

// Rule is one typed predicate over a telemetry snapshot. A rule fires
// when the named metric compares true against the threshold.
type Rule struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Metric      string          `yaml:"metric"`
	Operator    Operator        `yaml:"operator"`
	Threshold   float64         `yaml:"threshold"`
	ThreatType  string          `yaml:"threat_type"`
	Severity    schema.Severity `yaml:"severity"`
	Enabled     bool            `yaml:"enabled"`
}

// Validate validates the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule metric is required")
	}
	if !schema.ValidateMetricName(r.Metric) {
		return fmt.Errorf("invalid metric name: %q", r.Metric)
	}
	if !r.Operator.IsValid() {
		return fmt.Errorf("invalid operator: %q", r.Operator)
	}
	if r.ThreatType == "" {
		return fmt.Errorf("rule threat type is required")
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", r.Severity)
	}
	return nil
}

// Eval applies the predicate to one metric value. Non-numeric values
// never fire numeric comparisons.
func (r *Rule) Eval(value any) bool {
	v, ok := toFloat64(value)
	if !ok {
		return false
	}
	switch r.Operator {
	case OpGT:
		return v > r.Threshold
	case OpGE:
		return v >= r.Threshold
	case OpLT:
		return v < r.Threshold
	case OpLE:
		return v <= r.Threshold
	case OpEQ:
		return v == r.Threshold
	case OpNE:
		return v != r.Threshold
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ParseRules parses rule definitions from YAML bytes.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}

// BuiltinRules returns the built-in single-sample detection policy.
// Thresholds use strict comparisons; boundary values do not fire.
func BuiltinRules() []*Rule {
	return []*Rule{
		{
			ID:          "builtin-high-cpu",
			Name:        "High CPU Usage",
			Description: "Device CPU usage above sustained safe limit",
			Metric:      "cpu_usage",
			Operator:    OpGT,
			Threshold:   90,
			ThreatType:  "High CPU Usage",
			Severity:    schema.SeverityHigh,
			Enabled:     true,
		},
		{
			ID:          "builtin-memory-exhaustion",
			Name:        "Memory Exhaustion",
			Description: "Device memory usage approaching exhaustion",
			Metric:      "memory_usage",
			Operator:    OpGT,
			Threshold:   85,
			ThreatType:  "Memory Exhaustion",
			Severity:    schema.SeverityCritical,
			Enabled:     true,
		},
		{
			ID:          "builtin-network-anomaly",
			Name:        "Network Anomaly",
			Description: "Device network traffic outside expected envelope",
			Metric:      "network_traffic",
			Operator:    OpGT,
			Threshold:   1000,
			ThreatType:  "Network Anomaly",
			Severity:    schema.SeverityMedium,
			Enabled:     true,
		},
		{
			ID:          "builtin-high-error-rate",
			Name:        "High Error Rate",
			Description: "Device reporting elevated error rate",
			Metric:      "error_rate",
			Operator:    OpGT,
			Threshold:   5,
			ThreatType:  "High Error Rate",
			Severity:    schema.SeverityHigh,
			Enabled:     true,
		},
	}
}
