// Package ingest handles telemetry intake from monitored devices over
// HTTP and DTLS, and runs the synchronous detection path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/alerting"
	"medsentry/internal/rules"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

// Common validation errors. These are rejected synchronously and
// never retried.
var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrStaleTelemetry = errors.New("telemetry older than device last_active")
)

// Result is the outcome of one accepted telemetry reading.
type Result struct {
	Accepted bool             `json:"accepted"`
	Threats  []*schema.Threat `json:"threats"`
}

// Ingestor accepts telemetry readings, updates device state and runs
// the rule engine inside the same call. The caller gets a response
// only after device update, rule evaluation and threat inserts have
// completed or failed.
type Ingestor struct {
	devices   storage.DeviceStore
	threats   storage.ThreatStore
	engine    *rules.Engine
	alerts    *alerting.Manager
	validator *schema.Validator
	retry     storage.RetryConfig
	logger    *slog.Logger
}

// NewIngestor creates an ingestor with injected stores and collaborators.
func NewIngestor(
	devices storage.DeviceStore,
	threats storage.ThreatStore,
	engine *rules.Engine,
	alerts *alerting.Manager,
	validator *schema.Validator,
	retry storage.RetryConfig,
	logger *slog.Logger,
) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Ingestor{
		devices:   devices,
		threats:   threats,
		engine:    engine,
		alerts:    alerts,
		validator: validator,
		retry:     retry,
		logger:    logger,
	}
}

// Register creates a device, or returns the existing one when the name
// is already taken. Registration is idempotent by device name.
func (ing *Ingestor) Register(ctx context.Context, name, deviceType, location string, initial map[string]any) (*schema.Device, bool, error) {
	existing, err := ing.devices.GetDeviceByName(ctx, name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup device %q: %w", name, err)
	}

	device := &schema.Device{
		ID:         uuid.New(),
		Name:       name,
		Type:       deviceType,
		Status:     schema.DeviceOnline,
		Location:   location,
		LastActive: time.Now().UTC(),
		Telemetry:  initial,
	}
	if err := ing.validator.Struct(device); err != nil {
		return nil, false, fmt.Errorf("invalid device: %w", err)
	}
	if err := ing.devices.PutDevice(ctx, device); err != nil {
		return nil, false, fmt.Errorf("register device %q: %w", name, err)
	}

	ing.logger.Info("device registered",
		"device_id", device.ID,
		"name", name,
		"type", deviceType,
	)
	return device, true, nil
}

// Ingest processes one telemetry reading for a registered device. It
// performs at most one device write and zero or more threat inserts;
// the two are independent sequential writes, so a threat insert still
// proceeds when the device write failed. Losing a detected threat is
// worse than a stale device snapshot.
func (ing *Ingestor) Ingest(ctx context.Context, deviceID uuid.UUID, metrics map[string]any, ts time.Time) (*Result, error) {
	if err := ing.validator.ValidateTelemetry(metrics, ts); err != nil {
		return nil, fmt.Errorf("invalid telemetry: %w", err)
	}

	device, err := ing.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}

	if ts.Before(device.LastActive) {
		return nil, fmt.Errorf("%w: reading %s precedes %s",
			ErrStaleTelemetry, ts.Format(time.RFC3339), device.LastActive.Format(time.RFC3339))
	}

	// Last-write-wins on snapshot and last_active.
	device.Telemetry = metrics
	device.LastActive = ts
	device.Status = schema.DeviceOnline
	if err := ing.devices.PutDevice(ctx, device); err != nil {
		ing.logger.Error("device state write failed, continuing with detection",
			"device_id", deviceID,
			"error", err,
		)
	}

	candidates := ing.engine.Evaluate(metrics)
	threats := make([]*schema.Threat, 0, len(candidates))
	for _, candidate := range candidates {
		threat := ing.persistThreat(ctx, device, candidate)
		if threat == nil {
			continue
		}
		threats = append(threats, threat)

		if _, err := ing.alerts.Create(ctx, alerting.Spec{
			Type:        schema.AlertThreatDetected,
			Severity:    threat.Severity,
			Title:       threat.Type,
			Description: threat.Description,
			Source:      device.Name,
			Metadata: map[string]any{
				"threat_id": threat.ID.String(),
				"device_id": device.ID.String(),
				"rule_id":   candidate.RuleID,
			},
		}); err != nil {
			ing.logger.Error("threat alert creation failed",
				"threat_id", threat.ID,
				"error", err,
			)
		}
	}

	return &Result{Accepted: true, Threats: threats}, nil
}

// persistThreat inserts one detected threat with bounded retries. When
// retries are exhausted the detection itself is escalated as a
// critical alert so the signal is not silently lost.
func (ing *Ingestor) persistThreat(ctx context.Context, device *schema.Device, candidate rules.Candidate) *schema.Threat {
	threat := &schema.Threat{
		ID:          uuid.New(),
		DeviceID:    device.ID,
		Type:        candidate.Type,
		Description: candidate.Description,
		Severity:    candidate.Severity,
		CreatedAt:   time.Now().UTC(),
	}

	err := storage.Retry(ctx, ing.retry, "insert threat", func(ctx context.Context) error {
		return ing.threats.InsertThreat(ctx, threat)
	})
	if err == nil {
		return threat
	}

	ing.logger.Error("threat persistence failed after retries",
		"device_id", device.ID,
		"type", candidate.Type,
		"error", err,
	)
	if _, alertErr := ing.alerts.Create(ctx, alerting.Spec{
		Type:        schema.AlertSystemAnomaly,
		Severity:    schema.SeverityCritical,
		Title:       "Threat persistence failure",
		Description: fmt.Sprintf("A detected threat (%s) on device %s could not be persisted: %v", candidate.Type, device.Name, err),
		Source:      "ingest",
		Metadata: map[string]any{
			"device_id": device.ID.String(),
			"rule_id":   candidate.RuleID,
		},
	}); alertErr != nil {
		ing.logger.Error("persistence-failure alert creation failed", "error", alertErr)
	}
	return nil
}
