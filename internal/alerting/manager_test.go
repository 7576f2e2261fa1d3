package alerting

import (
	"context"
	"testing"
	"time"

	"medsentry/internal/analysis"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

type captureChannel struct {
	name  string
	sends chan *schema.Notification
}

func newCaptureChannel(name string) *captureChannel {
	return &captureChannel{name: name, sends: make(chan *schema.Notification, 64)}
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(ctx context.Context, n *schema.Notification, a *schema.Alert) error {
	c.sends <- n
	return nil
}

func newTestManager(cfg ManagerConfig, recipients Recipients) (*Manager, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	if recipients == nil {
		recipients = StaticRecipients{"admin@example.org"}
	}
	return NewManager(cfg, store, recipients, nil), store
}

func TestManager_Create_InitialStatusActive(t *testing.T) {
	m, store := newTestManager(DefaultManagerConfig(), nil)

	alert, err := m.Create(context.Background(), Spec{
		Type:     schema.AlertThreatDetected,
		Severity: schema.SeverityHigh,
		Title:    "High CPU Usage",
		Source:   "rule_engine",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if alert.Status != schema.AlertActive {
		t.Errorf("initial status = %q, want %q", alert.Status, schema.AlertActive)
	}

	stored, err := store.GetAlert(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if stored.Status != schema.AlertActive {
		t.Errorf("stored status = %q, want %q", stored.Status, schema.AlertActive)
	}
}

func TestManager_Create_RejectsInvalidType(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), nil)
	if _, err := m.Create(context.Background(), Spec{Type: "panic", Severity: schema.SeverityLow}); err == nil {
		t.Error("expected error for invalid alert type")
	}
}

func TestManager_Create_NoDedupByDefault(t *testing.T) {
	m, store := newTestManager(DefaultManagerConfig(), nil)

	spec := Spec{
		Type:     schema.AlertThreatDetected,
		Severity: schema.SeverityHigh,
		Title:    "High CPU Usage",
		Source:   "rule_engine",
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), spec); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	alerts, _ := store.ListAlerts(context.Background(), "")
	if len(alerts) != 3 {
		t.Errorf("got %d alerts, want 3 (identical detections are not deduplicated)", len(alerts))
	}
}

func TestManager_Create_DedupWhenEnabled(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.DedupEnabled = true
	m, store := newTestManager(cfg, nil)

	spec := Spec{
		Type:     schema.AlertThreatDetected,
		Severity: schema.SeverityHigh,
		Title:    "High CPU Usage",
		Source:   "rule_engine",
	}

	first, err := m.Create(context.Background(), spec)
	if err != nil || first == nil {
		t.Fatalf("first Create: alert=%v err=%v", first, err)
	}
	second, err := m.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second != nil {
		t.Error("expected duplicate to be suppressed")
	}

	alerts, _ := store.ListAlerts(context.Background(), "")
	if len(alerts) != 1 {
		t.Errorf("got %d alerts, want 1", len(alerts))
	}
}

func TestManager_Lifecycle_ForwardOnly(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), nil)
	ctx := context.Background()

	alert, err := m.Create(ctx, Spec{
		Type:     schema.AlertSystemAnomaly,
		Severity: schema.SeverityMedium,
		Title:    "anomaly",
		Source:   "sweep",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Acknowledge(ctx, alert.ID, "oncall"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := m.Acknowledge(ctx, alert.ID, "oncall"); err == nil {
		t.Error("re-acknowledging must fail")
	}
	if err := m.Resolve(ctx, alert.ID, "oncall"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Resolve(ctx, alert.ID, "oncall"); err == nil {
		t.Error("re-resolving must fail")
	}
	if err := m.Acknowledge(ctx, alert.ID, "oncall"); err == nil {
		t.Error("acknowledging a resolved alert must fail")
	}
}

func TestManager_NotificationFanOut(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), StaticRecipients{"a@example.org", "b@example.org"})
	ch := newCaptureChannel("capture")
	m.AddChannel(ch)

	if _, err := m.Create(context.Background(), Spec{
		Type:     schema.AlertThreatDetected,
		Severity: schema.SeverityCritical,
		Title:    "Memory Exhaustion",
		Source:   "rule_engine",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recipients := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case n := <-ch.sends:
			recipients[n.Recipient] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i)
		}
	}
	if !recipients["a@example.org"] || !recipients["b@example.org"] {
		t.Errorf("fan-out missed a recipient: %v", recipients)
	}
}

// slowChannel reports the context error it observed mid-send.
type slowChannel struct {
	delay time.Duration
	errs  chan error
}

func (c *slowChannel) Name() string { return "slow" }

func (c *slowChannel) Send(ctx context.Context, n *schema.Notification, a *schema.Alert) error {
	time.Sleep(c.delay)
	c.errs <- ctx.Err()
	return nil
}

func TestManager_NotificationSurvivesCallerCancel(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), nil)
	ch := &slowChannel{delay: 20 * time.Millisecond, errs: make(chan error, 1)}
	m.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Create(ctx, Spec{
		Type:     schema.AlertThreatDetected,
		Severity: schema.SeverityHigh,
		Title:    "High CPU Usage",
		Source:   "rule_engine",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The request context on the ingest path dies as soon as the
	// handler returns; delivery must not die with it.
	cancel()

	select {
	case err := <-ch.errs:
		if err != nil {
			t.Errorf("send observed context error %v after caller canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestManager_ProcessDBReport_CompositeCritical(t *testing.T) {
	m, store := newTestManager(DefaultManagerConfig(), nil)

	created := m.ProcessDBReport(context.Background(), &analysis.DBReport{
		Status: analysis.DBCritical,
		Issues: []analysis.IssueFinding{
			{Type: "connection_pool_exhausted", Severity: schema.SeverityHigh, Description: "pool at limit"},
			{Type: "slow_queries", Severity: schema.SeverityMedium},
		},
	})

	// Two per-issue alerts plus exactly one composite.
	if len(created) != 3 {
		t.Fatalf("got %d alerts, want 3", len(created))
	}

	var composites []*schema.Alert
	alerts, _ := store.ListAlerts(context.Background(), "")
	for _, a := range alerts {
		if _, ok := a.Metadata["status"]; ok {
			composites = append(composites, a)
		}
	}
	if len(composites) != 1 {
		t.Fatalf("got %d composite alerts, want exactly 1", len(composites))
	}
	if composites[0].Severity != schema.SeverityCritical {
		t.Errorf("composite severity = %q, want critical", composites[0].Severity)
	}
	if composites[0].Type != schema.AlertDatabaseIssue {
		t.Errorf("composite type = %q, want database_issue", composites[0].Type)
	}
}

func TestManager_ProcessDBReport_HealthyNoComposite(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), nil)
	created := m.ProcessDBReport(context.Background(), &analysis.DBReport{Status: analysis.DBHealthy})
	if len(created) != 0 {
		t.Errorf("healthy report created %d alerts, want 0", len(created))
	}
}

func TestManager_ProcessLogReport_ScoreThresholds(t *testing.T) {
	tests := []struct {
		name          string
		score         float64
		wantComposite bool
		wantSeverity  schema.Severity
	}{
		{name: "score above threshold", score: 80, wantComposite: false},
		{name: "score at threshold", score: 70, wantComposite: false},
		{name: "low score is high severity", score: 65, wantComposite: true, wantSeverity: schema.SeverityHigh},
		{name: "very low score is critical", score: 40, wantComposite: true, wantSeverity: schema.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(DefaultManagerConfig(), nil)
			created := m.ProcessLogReport(context.Background(), &analysis.LogReport{SecurityScore: tt.score})

			if !tt.wantComposite {
				if len(created) != 0 {
					t.Errorf("got %d alerts, want 0", len(created))
				}
				return
			}
			if len(created) != 1 {
				t.Fatalf("got %d alerts, want 1 composite", len(created))
			}
			if created[0].Severity != tt.wantSeverity {
				t.Errorf("composite severity = %q, want %q", created[0].Severity, tt.wantSeverity)
			}
		})
	}
}

func TestManager_ProcessThreatReport_ScoreThresholds(t *testing.T) {
	tests := []struct {
		name          string
		score         float64
		wantComposite bool
		wantSeverity  schema.Severity
	}{
		{name: "score at threshold", score: 70, wantComposite: false},
		{name: "elevated risk is high", score: 75, wantComposite: true, wantSeverity: schema.SeverityHigh},
		{name: "extreme risk is critical", score: 90, wantComposite: true, wantSeverity: schema.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(DefaultManagerConfig(), nil)
			created := m.ProcessThreatReport(context.Background(), &analysis.ThreatReport{RiskScore: tt.score})

			if !tt.wantComposite {
				if len(created) != 0 {
					t.Errorf("got %d alerts, want 0", len(created))
				}
				return
			}
			if len(created) != 1 {
				t.Fatalf("got %d alerts, want 1 composite", len(created))
			}
			if created[0].Severity != tt.wantSeverity {
				t.Errorf("composite severity = %q, want %q", created[0].Severity, tt.wantSeverity)
			}
		})
	}
}

func TestManager_CreateDegraded(t *testing.T) {
	m, _ := newTestManager(DefaultManagerConfig(), nil)

	alert, err := m.CreateDegraded(context.Background(), &analysis.Degraded{
		Analysis: analysis.AnalysisDatabase,
		Reason:   "timeout",
	})
	if err != nil {
		t.Fatalf("CreateDegraded: %v", err)
	}
	if alert.Type != schema.AlertSystemAnomaly {
		t.Errorf("type = %q, want system_anomaly", alert.Type)
	}
	if alert.Severity != schema.SeverityMedium {
		t.Errorf("severity = %q, want medium", alert.Severity)
	}
	if alert.Source != analysis.AnalysisDatabase {
		t.Errorf("source = %q, want %q", alert.Source, analysis.AnalysisDatabase)
	}
}
