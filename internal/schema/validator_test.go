package schema

import (
	"strings"
	"testing"
	"time"
)

func TestValidateTelemetry(t *testing.T) {
	v := NewValidator()
	now := time.Now().UTC()

	tests := []struct {
		name    string
		metrics map[string]any
		ts      time.Time
		wantErr string
	}{
		{
			name:    "valid mixed types",
			metrics: map[string]any{"cpu_usage": 42.5, "error_count": 3, "patched": true, "firmware": "v2.1"},
			ts:      now,
		},
		{
			name:    "empty metrics",
			metrics: map[string]any{},
			ts:      now,
			wantErr: "no metrics",
		},
		{
			name:    "bad metric name",
			metrics: map[string]any{"CPU-Usage": 42.5},
			ts:      now,
			wantErr: "invalid metric name",
		},
		{
			name:    "unsupported value type",
			metrics: map[string]any{"cpu_usage": []int{1, 2}},
			ts:      now,
			wantErr: "unsupported value type",
		},
		{
			name:    "zero timestamp",
			metrics: map[string]any{"cpu_usage": 42.5},
			wantErr: "timestamp is required",
		},
		{
			name:    "far future timestamp",
			metrics: map[string]any{"cpu_usage": 42.5},
			ts:      now.Add(time.Hour),
			wantErr: "timestamp in future",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTelemetry(tt.metrics, tt.ts)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateTelemetryMetricLimit(t *testing.T) {
	v := NewValidatorWithConfig(ValidatorConfig{MaxFuture: time.Minute, MaxMetrics: 2})
	metrics := map[string]any{"a1": 1, "b2": 2, "c3": 3}
	err := v.ValidateTelemetry(metrics, time.Now().UTC())
	if err == nil || !strings.Contains(err.Error(), "too many metrics") {
		t.Fatalf("expected metric count error, got %v", err)
	}
}

func TestValidateMetricName(t *testing.T) {
	valid := []string{"cpu_usage", "heart_rate", "spo2", "battery_level_pct"}
	invalid := []string{"", "CPU", "2fast", "cpu__usage", "cpu_usage_", "_cpu", "cpu-usage"}

	for _, name := range valid {
		if !ValidateMetricName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range invalid {
		if ValidateMetricName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestStructValidation(t *testing.T) {
	v := NewValidator()

	device := &Device{Name: "vent-1", Type: "ventilator", Status: DeviceOnline}
	if err := v.Struct(device); err != nil {
		t.Fatalf("unexpected error for valid device: %v", err)
	}

	device.Status = "destroyed"
	if err := v.Struct(device); err == nil {
		t.Error("expected error for unknown device status")
	}

	system := &ExternalSystem{ID: "his-1", URL: "not a url"}
	if err := v.Struct(system); err == nil {
		t.Error("expected error for malformed system URL")
	}
}
