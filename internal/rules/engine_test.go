package rules

import (
	"testing"

	"medsentry/internal/schema"
)

func TestRule_Eval(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		value    any
		expected bool
	}{
		{
			name:     "gt fires above threshold",
			rule:     Rule{Operator: OpGT, Threshold: 90},
			value:    95.0,
			expected: true,
		},
		{
			name:     "gt does not fire at boundary",
			rule:     Rule{Operator: OpGT, Threshold: 90},
			value:    90.0,
			expected: false,
		},
		{
			name:     "gt integer value",
			rule:     Rule{Operator: OpGT, Threshold: 90},
			value:    91,
			expected: true,
		},
		{
			name:     "gte fires at boundary",
			rule:     Rule{Operator: OpGE, Threshold: 90},
			value:    90.0,
			expected: true,
		},
		{
			name:     "lt fires below threshold",
			rule:     Rule{Operator: OpLT, Threshold: 10},
			value:    5.0,
			expected: true,
		},
		{
			name:     "eq fires on exact match",
			rule:     Rule{Operator: OpEQ, Threshold: 0},
			value:    0,
			expected: true,
		},
		{
			name:     "ne fires on mismatch",
			rule:     Rule{Operator: OpNE, Threshold: 1},
			value:    0,
			expected: true,
		},
		{
			name:     "string value never fires numeric predicate",
			rule:     Rule{Operator: OpGT, Threshold: 0},
			value:    "high",
			expected: false,
		},
		{
			name:     "bool value never fires numeric predicate",
			rule:     Rule{Operator: OpGT, Threshold: 0},
			value:    true,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Eval(tt.value); got != tt.expected {
				t.Errorf("Eval(%v) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestEngine_Evaluate_BuiltinPolicy(t *testing.T) {
	engine := NewEngine(nil, nil)

	tests := []struct {
		name         string
		metrics      map[string]any
		wantTypes    []string
		wantSeverity []schema.Severity
	}{
		{
			name:         "high cpu fires",
			metrics:      map[string]any{"cpu_usage": 95.0},
			wantTypes:    []string{"High CPU Usage"},
			wantSeverity: []schema.Severity{schema.SeverityHigh},
		},
		{
			name:      "cpu at boundary does not fire",
			metrics:   map[string]any{"cpu_usage": 90.0},
			wantTypes: nil,
		},
		{
			name:         "memory exhaustion is critical",
			metrics:      map[string]any{"memory_usage": 86.0},
			wantTypes:    []string{"Memory Exhaustion"},
			wantSeverity: []schema.Severity{schema.SeverityCritical},
		},
		{
			name:      "memory at boundary does not fire",
			metrics:   map[string]any{"memory_usage": 85.0},
			wantTypes: nil,
		},
		{
			name:         "network anomaly is medium",
			metrics:      map[string]any{"network_traffic": 1500.0},
			wantTypes:    []string{"Network Anomaly"},
			wantSeverity: []schema.Severity{schema.SeverityMedium},
		},
		{
			name:         "error rate is high",
			metrics:      map[string]any{"error_rate": 6.0},
			wantTypes:    []string{"High Error Rate"},
			wantSeverity: []schema.Severity{schema.SeverityHigh},
		},
		{
			name: "multiple rules fire in definition order",
			metrics: map[string]any{
				"cpu_usage":    95.0,
				"memory_usage": 90.0,
				"error_rate":   10.0,
			},
			wantTypes: []string{"High CPU Usage", "Memory Exhaustion", "High Error Rate"},
			wantSeverity: []schema.Severity{
				schema.SeverityHigh,
				schema.SeverityCritical,
				schema.SeverityHigh,
			},
		},
		{
			name: "healthy snapshot fires nothing",
			metrics: map[string]any{
				"cpu_usage":       50.0,
				"memory_usage":    40.0,
				"network_traffic": 10.0,
				"error_rate":      1.0,
			},
			wantTypes: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := engine.Evaluate(tt.metrics)
			if len(candidates) != len(tt.wantTypes) {
				t.Fatalf("got %d candidates, want %d", len(candidates), len(tt.wantTypes))
			}
			for i, want := range tt.wantTypes {
				if candidates[i].Type != want {
					t.Errorf("candidate[%d].Type = %q, want %q", i, candidates[i].Type, want)
				}
				if candidates[i].Severity != tt.wantSeverity[i] {
					t.Errorf("candidate[%d].Severity = %q, want %q", i, candidates[i].Severity, tt.wantSeverity[i])
				}
			}
		})
	}
}

func TestEngine_Evaluate_SkipsDisabledRules(t *testing.T) {
	engine := NewEngine([]*Rule{
		{
			ID: "r1", Name: "r1", Metric: "cpu_usage", Operator: OpGT,
			Threshold: 0, ThreatType: "Disabled", Severity: schema.SeverityLow,
			Enabled: false,
		},
		{
			ID: "r2", Name: "r2", Metric: "cpu_usage", Operator: OpGT,
			Threshold: 0, ThreatType: "Enabled", Severity: schema.SeverityLow,
			Enabled: true,
		},
	}, nil)

	candidates := engine.Evaluate(map[string]any{"cpu_usage": 1.0})
	if len(candidates) != 1 || candidates[0].Type != "Enabled" {
		t.Fatalf("expected only the enabled rule to fire, got %+v", candidates)
	}
}

func TestParseRules(t *testing.T) {
	data := []byte(`
- id: temp-high
  name: High Temperature
  metric: temperature
  operator: gt
  threshold: 40
  threat_type: High Temperature
  severity: high
  enabled: true
`)
	rules, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].Metric != "temperature" || rules[0].Operator != OpGT {
		t.Errorf("unexpected rule: %+v", rules[0])
	}
}

func TestParseRules_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "unknown operator",
			data: "- {id: r, name: r, metric: m, operator: matches, threshold: 1, threat_type: T, severity: high}",
		},
		{
			name: "unknown severity",
			data: "- {id: r, name: r, metric: m, operator: gt, threshold: 1, threat_type: T, severity: urgent}",
		},
		{
			name: "missing metric",
			data: "- {id: r, name: r, operator: gt, threshold: 1, threat_type: T, severity: high}",
		},
		{
			name: "bad metric name",
			data: "- {id: r, name: r, metric: CPU Usage, operator: gt, threshold: 1, threat_type: T, severity: high}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.data)); err == nil {
				t.Error("expected parse error, got nil")
			}
		})
	}
}
