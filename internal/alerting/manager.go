// Package alerting provides alert management and notification fan-out.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/analysis"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

// Spec describes an alert to create. Every spec must be traceable to a
// generating threat or anomaly signal through Source and Metadata.
type Spec struct {
	Type            schema.AlertType
	Severity        schema.Severity
	Title           string
	Description     string
	Source          string
	Recommendations []string
	Metadata        map[string]any
}

// Recipients is the admin-discovery collaborator. The manager only
// builds the fan-out list; directory mechanics live elsewhere.
type Recipients interface {
	Recipients(ctx context.Context) ([]string, error)
}

// Channel is the notification-delivery collaborator.
type Channel interface {
	Name() string
	Send(ctx context.Context, notification *schema.Notification, alert *schema.Alert) error
}

// ManagerConfig configures the alert manager. Deduplication is off by
// default: repeated identical detections each produce a new alert so
// the audit trail stays complete.
type ManagerConfig struct {
	DedupEnabled bool                `yaml:"dedup_enabled"`
	DedupWindow  time.Duration       `yaml:"dedup_window"`
	Retry        storage.RetryConfig `yaml:"retry"`
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DedupEnabled: false,
		DedupWindow:  15 * time.Minute,
		Retry:        storage.DefaultRetryConfig(),
	}
}

// Manager turns threats and anomaly signals into alerts, manages their
// lifecycle and fans out notifications.
type Manager struct {
	config     ManagerConfig
	store      storage.AlertStore
	recipients Recipients
	logger     *slog.Logger

	mu       sync.Mutex
	channels []Channel
	dedup    map[string]time.Time
}

// NewManager creates a new alert manager with an injected alert store
// and recipient registry.
func NewManager(cfg ManagerConfig, store storage.AlertStore, recipients Recipients, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     cfg,
		store:      store,
		recipients: recipients,
		logger:     logger,
		dedup:      make(map[string]time.Time),
	}
}

// AddChannel adds a notification delivery channel.
func (m *Manager) AddChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
	m.logger.Info("added notification channel", "name", channel.Name())
}

// Create assigns an ID and timestamp, persists the alert with initial
// status active, then builds one notification per admin recipient and
// hands each to every configured channel. Returns the created alert,
// or nil when deduplication suppressed it.
func (m *Manager) Create(ctx context.Context, spec Spec) (*schema.Alert, error) {
	if spec.Type == "" || !spec.Type.IsValid() {
		return nil, fmt.Errorf("invalid alert type: %q", spec.Type)
	}
	if !spec.Severity.IsValid() {
		spec.Severity = schema.SeverityMedium
	}

	if m.config.DedupEnabled {
		key := fmt.Sprintf("%s:%s:%s", spec.Type, spec.Source, spec.Title)
		m.mu.Lock()
		if last, ok := m.dedup[key]; ok && time.Since(last) < m.config.DedupWindow {
			m.mu.Unlock()
			m.logger.Debug("suppressing duplicate alert", "title", spec.Title, "source", spec.Source)
			return nil, nil
		}
		m.dedup[key] = time.Now()
		m.mu.Unlock()
	}

	alert := &schema.Alert{
		ID:              uuid.New(),
		Type:            spec.Type,
		Severity:        spec.Severity,
		Title:           spec.Title,
		Description:     spec.Description,
		Source:          spec.Source,
		Status:          schema.AlertActive,
		Recommendations: spec.Recommendations,
		Metadata:        spec.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	err := storage.Retry(ctx, m.config.Retry, "insert alert", func(ctx context.Context) error {
		return m.store.InsertAlert(ctx, alert)
	})
	if err != nil {
		return nil, err
	}

	m.notify(ctx, alert)
	return alert, nil
}

// sendTimeout bounds each channel delivery once it is detached from
// the caller.
const sendTimeout = 30 * time.Second

// notify builds the per-admin fan-out list and hands each notification
// to every channel. Delivery failures are logged and never block
// alert creation. Sends run on a context detached from the caller's:
// on the ingest path the caller's context is the HTTP request context,
// which is canceled as soon as the handler returns.
func (m *Manager) notify(ctx context.Context, alert *schema.Alert) {
	admins, err := m.recipients.Recipients(ctx)
	if err != nil {
		m.logger.Error("admin discovery failed", "alert_id", alert.ID, "error", err)
		return
	}

	m.mu.Lock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.Unlock()

	for _, admin := range admins {
		notification := &schema.Notification{
			Recipient: admin,
			AlertID:   alert.ID,
			Title:     alert.Title,
			Severity:  alert.Severity,
			CreatedAt: alert.CreatedAt,
		}
		for _, channel := range channels {
			go func(ch Channel, n *schema.Notification) {
				sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
				defer cancel()
				if err := ch.Send(sendCtx, n, alert); err != nil {
					m.logger.Error("notification failed",
						"channel", ch.Name(),
						"alert_id", alert.ID,
						"recipient", n.Recipient,
						"error", err)
				}
			}(channel, notification)
		}
	}
}

// Acknowledge moves an active alert to acknowledged. Transitions are
// forward-only; acknowledging anything but an active alert fails.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, user string) error {
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return fmt.Errorf("alert %s: %w", id, err)
	}
	if alert.Status != schema.AlertActive {
		return fmt.Errorf("alert %s: cannot acknowledge from status %q", id, alert.Status)
	}

	now := time.Now().UTC()
	alert.Status = schema.AlertAcknowledged
	alert.AckedAt = &now
	alert.AckedBy = user
	return m.store.UpdateAlert(ctx, alert)
}

// Resolve moves an active or acknowledged alert to resolved.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, user string) error {
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return fmt.Errorf("alert %s: %w", id, err)
	}
	if alert.Status == schema.AlertResolved {
		return fmt.Errorf("alert %s: already resolved", id)
	}

	now := time.Now().UTC()
	alert.Status = schema.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = user
	return m.store.UpdateAlert(ctx, alert)
}

// CreateDegraded creates the single degraded-mode alert for one failed
// analysis.
func (m *Manager) CreateDegraded(ctx context.Context, degraded *analysis.Degraded) (*schema.Alert, error) {
	return m.Create(ctx, Spec{
		Type:        schema.AlertSystemAnomaly,
		Severity:    schema.SeverityMedium,
		Title:       "Analysis capability degraded",
		Description: fmt.Sprintf("The %s analysis failed and was skipped this sweep: %s", degraded.Analysis, degraded.Reason),
		Source:      degraded.Analysis,
		Metadata:    map[string]any{"reason": degraded.Reason},
	})
}
