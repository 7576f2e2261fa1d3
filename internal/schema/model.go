// Package schema defines the canonical domain model for MedSentry.
// All monitored devices, detections and alerts are expressed in these types.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus represents the reported state of a monitored device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceWarning DeviceStatus = "warning"
)

// IsValid checks if the device status is a valid value.
func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceWarning:
		return true
	}
	return false
}

// Device represents a registered medical IoT device.
// Only the telemetry ingestor mutates a device; devices are never deleted.
type Device struct {
	ID         uuid.UUID      `json:"id"`
	Name       string         `json:"name" validate:"required,max=256"`
	Type       string         `json:"type" validate:"required,max=128"`
	Status     DeviceStatus   `json:"status" validate:"required,oneof=online offline warning"`
	Location   string         `json:"location,omitempty" validate:"max=256"`
	LastActive time.Time      `json:"last_active"`
	Telemetry  map[string]any `json:"telemetry,omitempty"`
}

// Severity levels shared by threats and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity maps a free-form severity string to a Severity,
// defaulting to medium when the value is missing or unrecognized.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityMedium
}

// Threat is a persisted record of one detected anomalous condition
// tied to a device. Immutable except for the Resolved flag, which only
// moves false -> true.
type Threat struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    uuid.UUID `json:"device_id" validate:"required"`
	Type        string    `json:"type" validate:"required,max=256"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity" validate:"required,oneof=low medium high critical"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertType classifies the origin of an alert.
type AlertType string

const (
	AlertThreatDetected     AlertType = "threat_detected"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertSystemAnomaly      AlertType = "system_anomaly"
	AlertDatabaseIssue      AlertType = "database_issue"
)

// IsValid checks if the alert type is a valid value.
func (t AlertType) IsValid() bool {
	switch t {
	case AlertThreatDetected, AlertSuspiciousActivity, AlertSystemAnomaly, AlertDatabaseIssue:
		return true
	}
	return false
}

// AlertStatus represents the lifecycle state of an alert.
// Transitions are forward-only: active -> acknowledged -> resolved.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is an actionable, lifecycle-tracked notification derived from
// one or more threats or anomaly signals. Every alert is traceable to a
// generating cause through its Source and Metadata.
type Alert struct {
	ID              uuid.UUID      `json:"id"`
	Type            AlertType      `json:"type"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Source          string         `json:"source"`
	Status          AlertStatus    `json:"status"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	AckedAt         *time.Time     `json:"acked_at,omitempty"`
	AckedBy         string         `json:"acked_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
}

// SystemStatus reflects the outcome of the most recent sync attempt
// against a linked external system.
type SystemStatus string

const (
	SystemPending SystemStatus = "pending"
	SystemActive  SystemStatus = "active"
	SystemError   SystemStatus = "error"
)

// ExternalSystem is a linked external system whose logs are pulled
// incrementally. LastSync is a monotonically non-decreasing watermark.
type ExternalSystem struct {
	ID        string       `json:"id" validate:"required,max=128"`
	URL       string       `json:"url" validate:"required,url"`
	AccessKey string       `json:"-"`
	Status    SystemStatus `json:"status"`
	LastSync  *time.Time   `json:"last_sync,omitempty"`
}

// SystemLog is the local copy of one synced log row, tagged with the
// system it came from.
type SystemLog struct {
	ID        uuid.UUID `json:"id"`
	SystemID  string    `json:"system_id"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification pairs a recipient with an alert at alert-creation time.
// Notifications are ephemeral and never persisted by the core.
type Notification struct {
	Recipient string    `json:"recipient"`
	AlertID   uuid.UUID `json:"alert_id"`
	Title     string    `json:"title"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
