// Package sweep runs the periodic combined analysis cycle: recent
// logs, store health and the aggregate threat picture are analyzed in
// parallel and their findings turned into alerts.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"medsentry/internal/alerting"
	"medsentry/internal/analysis"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

// Config holds sweep settings.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	LogWindow time.Duration `yaml:"log_window"`
	LogLimit  int           `yaml:"log_limit"`
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		LogWindow: time.Hour,
		LogLimit:  500,
	}
}

// Summary is the outcome of one sweep.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Critical  int           `json:"critical"`
	High      int           `json:"high"`
	Medium    int           `json:"medium"`
	Low       int           `json:"low"`
	Degraded  []string      `json:"degraded,omitempty"`
}

func (s *Summary) count(alerts []*schema.Alert) {
	for _, a := range alerts {
		switch a.Severity {
		case schema.SeverityCritical:
			s.Critical++
		case schema.SeverityHigh:
			s.High++
		case schema.SeverityMedium:
			s.Medium++
		case schema.SeverityLow:
			s.Low++
		}
	}
}

// Orchestrator runs one sweep across the three analyses. The analyses
// run as parallel tasks joined before the sweep completes; a failure
// in one task is handled locally and never cancels the others.
type Orchestrator struct {
	adapter *analysis.Adapter
	manager *alerting.Manager
	store   storage.Store
	config  Config
	logger  *slog.Logger
}

// NewOrchestrator creates a sweep orchestrator.
func NewOrchestrator(adapter *analysis.Adapter, manager *alerting.Manager, store storage.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultConfig().LogLimit
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = DefaultConfig().LogWindow
	}
	return &Orchestrator{
		adapter: adapter,
		manager: manager,
		store:   store,
		config:  cfg,
		logger:  logger,
	}
}

// RunSweep executes one combined analysis cycle and returns a severity
// breakdown of the alerts it raised.
func (o *Orchestrator) RunSweep(ctx context.Context) *Summary {
	summary := &Summary{StartedAt: time.Now().UTC()}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(alerts []*schema.Alert, degraded *analysis.Degraded) {
		mu.Lock()
		defer mu.Unlock()
		summary.count(alerts)
		if degraded != nil {
			summary.Degraded = append(summary.Degraded, degraded.Analysis)
		}
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		record(o.sweepLogs(ctx))
	}()
	go func() {
		defer wg.Done()
		record(o.sweepDatabase(ctx))
	}()
	go func() {
		defer wg.Done()
		record(o.sweepThreats(ctx))
	}()
	wg.Wait()

	summary.Duration = time.Since(summary.StartedAt)
	o.logger.Info("sweep completed",
		"duration_ms", summary.Duration.Milliseconds(),
		"critical", summary.Critical,
		"high", summary.High,
		"medium", summary.Medium,
		"low", summary.Low,
		"degraded", summary.Degraded,
	)
	return summary
}

// sweepLogs analyzes recent synced logs.
func (o *Orchestrator) sweepLogs(ctx context.Context) ([]*schema.Alert, *analysis.Degraded) {
	logs, err := o.store.RecentLogs(ctx, o.config.LogWindow, o.config.LogLimit)
	if err != nil {
		return o.degrade(ctx, analysis.AnalysisLogs, fmt.Sprintf("loading recent logs: %v", err))
	}

	report, degraded := o.adapter.Logs(ctx, logs)
	if degraded != nil {
		return o.raiseDegraded(ctx, degraded)
	}
	return o.manager.ProcessLogReport(ctx, report), nil
}

// sweepDatabase analyzes a snapshot of store health.
func (o *Orchestrator) sweepDatabase(ctx context.Context) ([]*schema.Alert, *analysis.Degraded) {
	status, err := o.collectStatus(ctx)
	if err != nil {
		return o.degrade(ctx, analysis.AnalysisDatabase, fmt.Sprintf("collecting status: %v", err))
	}

	report, degraded := o.adapter.Database(ctx, status)
	if degraded != nil {
		return o.raiseDegraded(ctx, degraded)
	}
	return o.manager.ProcessDBReport(ctx, report), nil
}

// sweepThreats analyzes the aggregate threat picture.
func (o *Orchestrator) sweepThreats(ctx context.Context) ([]*schema.Alert, *analysis.Degraded) {
	threats, err := o.store.ListThreats(ctx, true)
	if err != nil {
		return o.degrade(ctx, analysis.AnalysisThreats, fmt.Sprintf("loading threats: %v", err))
	}
	devices, err := o.store.ListDevices(ctx)
	if err != nil {
		return o.degrade(ctx, analysis.AnalysisThreats, fmt.Sprintf("loading devices: %v", err))
	}
	alerts, err := o.store.ListAlerts(ctx, schema.AlertActive)
	if err != nil {
		return o.degrade(ctx, analysis.AnalysisThreats, fmt.Sprintf("loading alerts: %v", err))
	}

	report, degraded := o.adapter.Threats(ctx, threats, devices, alerts)
	if degraded != nil {
		return o.raiseDegraded(ctx, degraded)
	}
	return o.manager.ProcessThreatReport(ctx, report), nil
}

// collectStatus counts store rows into a health snapshot.
func (o *Orchestrator) collectStatus(ctx context.Context) (*analysis.DatabaseStatus, error) {
	devices, err := o.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	threats, err := o.store.ListThreats(ctx, true)
	if err != nil {
		return nil, err
	}
	alerts, err := o.store.ListAlerts(ctx, schema.AlertActive)
	if err != nil {
		return nil, err
	}
	logs, err := o.store.RecentLogs(ctx, o.config.LogWindow, o.config.LogLimit)
	if err != nil {
		return nil, err
	}

	return &analysis.DatabaseStatus{
		Devices:      len(devices),
		Threats:      len(threats),
		ActiveAlerts: len(alerts),
		Logs:         len(logs),
		CollectedAt:  time.Now().UTC(),
	}, nil
}

// degrade wraps a local task failure into a degraded signal and raises
// its alert.
func (o *Orchestrator) degrade(ctx context.Context, name, reason string) ([]*schema.Alert, *analysis.Degraded) {
	return o.raiseDegraded(ctx, &analysis.Degraded{Analysis: name, Reason: reason})
}

// raiseDegraded creates the single degraded-mode alert for one failed
// analysis and returns it so the summary counts it with the rest. The
// alert itself failing to persist is only logged; the sweep still
// reports the degradation.
func (o *Orchestrator) raiseDegraded(ctx context.Context, degraded *analysis.Degraded) ([]*schema.Alert, *analysis.Degraded) {
	o.logger.Warn("analysis degraded",
		"analysis", degraded.Analysis,
		"reason", degraded.Reason,
	)
	alert, err := o.manager.CreateDegraded(ctx, degraded)
	if err != nil {
		o.logger.Error("degraded-mode alert creation failed",
			"analysis", degraded.Analysis,
			"error", err,
		)
		return nil, degraded
	}
	return []*schema.Alert{alert}, degraded
}
