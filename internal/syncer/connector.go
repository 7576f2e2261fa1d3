package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

// ErrSyncInFlight is returned when a sync for the same system is
// already running. Syncs are single-flight per system.
var ErrSyncInFlight = errors.New("sync already in flight for system")

// Reason classifies a connectivity failure for diagnostics.
type Reason string

const (
	ReasonAuthError     Reason = "auth_error"
	ReasonSchemaMissing Reason = "schema_missing"
	ReasonUnreachable   Reason = "unreachable"
	ReasonUnknown       Reason = "unknown"
)

// ConnectivityError is a classified failure against an external
// system. It is never retried immediately; the next scheduled sync
// tries again.
type ConnectivityError struct {
	Reason Reason
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity failure (%s): %v", e.Reason, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Verdict is the result of validating a candidate external system.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
}

// Config holds sync connector settings.
type Config struct {
	Timeout    time.Duration `yaml:"timeout"`
	BatchLimit int           `yaml:"batch_limit"`
}

// DefaultConfig returns the default connector configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    15 * time.Second,
		BatchLimit: 100,
	}
}

// Connector validates linked external systems and pulls their logs
// incrementally, tracked by a per-system watermark.
type Connector struct {
	source  LogSource
	systems storage.SystemStore
	logs    storage.LogStore
	config  Config
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewConnector creates a connector with injected source and stores.
func NewConnector(source LogSource, systems storage.SystemStore, logs storage.LogStore, cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Connector{
		source:   source,
		systems:  systems,
		logs:     logs,
		config:   cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Validate issues a bounded probe against the candidate system and
// classifies any failure. It has no observable side effects and is
// idempotent: an unchanged system yields the same verdict.
func (c *Connector) Validate(ctx context.Context, url, key string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.source.Probe(ctx, url, key); err != nil {
		reason := classify(err)
		c.logger.Warn("external system validation failed",
			"url", url,
			"reason", reason,
			"error", err,
		)
		return Verdict{Valid: false, Reason: reason}
	}
	return Verdict{Valid: true}
}

// SyncResult summarizes one successful sync.
type SyncResult struct {
	LogsCount int       `json:"logs_count"`
	LastSync  time.Time `json:"last_sync"`
}

// Sync pulls rows newer than the stored watermark, capped per call,
// and inserts them tagged with the system ID. On success the watermark
// advances to the current time and the system goes active; on any
// failure the watermark is untouched and the system goes to error.
// The status write happens on every path. Calls for the same system
// never overlap.
func (c *Connector) Sync(ctx context.Context, systemID string) (*SyncResult, error) {
	c.mu.Lock()
	if _, busy := c.inflight[systemID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSyncInFlight, systemID)
	}
	c.inflight[systemID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, systemID)
		c.mu.Unlock()
	}()

	system, err := c.systems.GetSystem(ctx, systemID)
	if err != nil {
		return nil, fmt.Errorf("system %s: %w", systemID, err)
	}

	result, syncErr := c.doSync(ctx, system)

	status := schema.SystemActive
	if syncErr != nil {
		status = schema.SystemError
	}
	if err := c.systems.SetSystemStatus(ctx, systemID, status); err != nil {
		c.logger.Error("failed to update system status",
			"system_id", systemID,
			"status", status,
			"error", err,
		)
	}

	if syncErr != nil {
		return nil, syncErr
	}
	return result, nil
}

// doSync performs the network fetch and store writes. No lock is held
// across the network call.
func (c *Connector) doSync(ctx context.Context, system *schema.ExternalSystem) (*SyncResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	rows, err := c.source.FetchLogs(fetchCtx, system.URL, system.AccessKey, system.LastSync, c.config.BatchLimit)
	if err != nil {
		return nil, &ConnectivityError{Reason: classify(err), Err: err}
	}

	logs := make([]*schema.SystemLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, &schema.SystemLog{
			ID:        uuid.New(),
			SystemID:  system.ID,
			Level:     row.Level,
			Message:   row.Message,
			Source:    row.Source,
			CreatedAt: row.CreatedAt,
		})
	}

	if err := c.logs.InsertLogs(ctx, logs); err != nil {
		return nil, fmt.Errorf("insert synced logs: %w", err)
	}

	now := time.Now().UTC()
	if err := c.systems.AdvanceWatermark(ctx, system.ID, now); err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}

	c.logger.Info("sync completed",
		"system_id", system.ID,
		"logs_count", len(logs),
		"last_sync", now,
	)
	return &SyncResult{LogsCount: len(logs), LastSync: now}, nil
}

// classify maps a probe or fetch failure to a diagnostic reason by
// inspecting the response.
func classify(err error) Reason {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return ReasonAuthError
		case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "jwt"):
			return ReasonAuthError
		case strings.Contains(msg, "does not exist") || strings.Contains(msg, "relation") || apiErr.StatusCode == 404:
			return ReasonSchemaMissing
		default:
			return ReasonUnknown
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return ReasonUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "timeout"):
		return ReasonUnreachable
	}
	return ReasonUnknown
}
