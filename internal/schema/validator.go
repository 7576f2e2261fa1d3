package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// metricNamePattern defines the valid format for telemetry metric names.
// Names must be lowercase, start with a letter, and use underscores as
// separators. Examples: "cpu_usage", "heart_rate", "battery_level"
var metricNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// Validator validates inbound telemetry and registration payloads.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
	maxMetric int
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxFuture  time.Duration
	MaxMetrics int
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture:  5 * time.Minute,
		MaxMetrics: 64,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("metric_name", func(fl validator.FieldLevel) bool {
		return metricNamePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
		maxMetric: cfg.MaxMetrics,
	}
}

// Struct validates any tagged struct, wrapping validator errors.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateTelemetry validates a telemetry snapshot. Metric names must
// match the canonical format and values must be numeric, boolean or
// string. The timestamp may not sit too far in the future; staleness
// against the device is checked by the ingestor, not here.
func (v *Validator) ValidateTelemetry(metrics map[string]any, ts time.Time) error {
	if len(metrics) == 0 {
		return fmt.Errorf("no metrics provided")
	}
	if len(metrics) > v.maxMetric {
		return fmt.Errorf("too many metrics: %d (max %d)", len(metrics), v.maxMetric)
	}

	for name, value := range metrics {
		if !metricNamePattern.MatchString(name) {
			return fmt.Errorf("invalid metric name: %q", name)
		}
		switch value.(type) {
		case int, int32, int64, float32, float64, bool, string:
		default:
			return fmt.Errorf("metric %q: unsupported value type %T", name, value)
		}
	}

	if ts.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if ts.After(time.Now().UTC().Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", ts, v.maxFuture)
	}

	return nil
}

// ValidateMetricName checks if a metric name matches the required format.
func ValidateMetricName(name string) bool {
	return metricNamePattern.MatchString(name)
}
