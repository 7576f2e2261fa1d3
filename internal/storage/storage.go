// Package storage provides the persistence boundary for MedSentry.
// The backing store is assumed to provide durable, per-row atomic
// writes; no cross-store transaction coordination is attempted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/schema"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DeviceStore persists registered devices.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*schema.Device, error)
	GetDeviceByName(ctx context.Context, name string) (*schema.Device, error)
	PutDevice(ctx context.Context, device *schema.Device) error
	ListDevices(ctx context.Context) ([]*schema.Device, error)
}

// ThreatStore persists detected threats.
type ThreatStore interface {
	InsertThreat(ctx context.Context, threat *schema.Threat) error
	ListThreats(ctx context.Context, unresolvedOnly bool) ([]*schema.Threat, error)
	ResolveThreat(ctx context.Context, id uuid.UUID) error
}

// AlertStore persists alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *schema.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*schema.Alert, error)
	UpdateAlert(ctx context.Context, alert *schema.Alert) error
	ListAlerts(ctx context.Context, status schema.AlertStatus) ([]*schema.Alert, error)
}

// SystemStore persists linked external systems and their sync watermarks.
type SystemStore interface {
	GetSystem(ctx context.Context, id string) (*schema.ExternalSystem, error)
	PutSystem(ctx context.Context, system *schema.ExternalSystem) error
	SetSystemStatus(ctx context.Context, id string, status schema.SystemStatus) error
	AdvanceWatermark(ctx context.Context, id string, mark time.Time) error
}

// LogStore persists synced external-system log rows.
type LogStore interface {
	InsertLogs(ctx context.Context, logs []*schema.SystemLog) error
	RecentLogs(ctx context.Context, window time.Duration, limit int) ([]*schema.SystemLog, error)
}

// Store aggregates all per-entity stores. The in-memory implementation
// satisfies the whole interface; production deployments may mix
// backends per entity.
type Store interface {
	DeviceStore
	ThreatStore
	AlertStore
	SystemStore
	LogStore
}
