package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"medsentry/internal/schema"
)

// Service is the contract the remote reasoning capability satisfies.
type Service interface {
	AnalyzeLogs(ctx context.Context, logs []*schema.SystemLog) (*LogAnalysis, error)
	AnalyzeDatabaseStatus(ctx context.Context, status *DatabaseStatus) (*DatabaseAnalysis, error)
	AnalyzeThreats(ctx context.Context, threats []*schema.Threat, devices []*schema.Device, alerts []*schema.Alert) (*ThreatAnalysis, error)
}

// Degraded describes one failed analysis call. The caller converts it
// into exactly one degraded-mode alert; adapter failures are never
// fatal, so one analysis failing cannot abort a sweep.
type Degraded struct {
	Analysis string
	Reason   string
}

// Analysis names used in degraded-mode alert sources.
const (
	AnalysisLogs     = "log_analysis"
	AnalysisDatabase = "database_analysis"
	AnalysisThreats  = "threat_analysis"
)

// DBHealth is the normalized database health verdict.
type DBHealth string

const (
	DBHealthy  DBHealth = "healthy"
	DBDegraded DBHealth = "degraded"
	DBCritical DBHealth = "critical"
)

// ActivityFinding is a normalized suspicious-activity finding.
type ActivityFinding struct {
	Activity       string
	Description    string
	Risk           schema.Severity
	SourceSystem   string
	Recommendation string
}

// LogReport is the normalized result of log analysis.
type LogReport struct {
	SecurityScore float64
	Activities    []ActivityFinding
}

// IssueFinding is a normalized database issue.
type IssueFinding struct {
	Type        string
	Severity    schema.Severity
	Description string
	Solution    string
}

// DBReport is the normalized result of database-health analysis.
type DBReport struct {
	Status          DBHealth
	Issues          []IssueFinding
	Recommendations []string
}

// RiskFinding is a normalized aggregate-threat finding.
type RiskFinding struct {
	Type           string
	Severity       schema.Severity
	Description    string
	Recommendation string
}

// ThreatReport is the normalized result of aggregate threat analysis.
type ThreatReport struct {
	RiskScore        float64
	Findings         []RiskFinding
	Summary          string
	ImmediateActions []string
}

// Adapter makes the reasoning capability best-effort: transport
// failures, non-conforming responses and missing required fields are
// converted into a Degraded signal instead of an error. Missing
// severity fields default to medium; scores are clamped to 0..100.
type Adapter struct {
	service Service
	logger  *slog.Logger
}

// NewAdapter creates a new best-effort adapter around a Service.
func NewAdapter(service Service, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{service: service, logger: logger}
}

// Logs runs log analysis. Exactly one of report or degraded is non-nil.
func (a *Adapter) Logs(ctx context.Context, logs []*schema.SystemLog) (*LogReport, *Degraded) {
	raw, err := a.service.AnalyzeLogs(ctx, logs)
	if err != nil {
		return nil, a.degraded(AnalysisLogs, err.Error())
	}
	if raw.SecurityScore == nil {
		return nil, a.degraded(AnalysisLogs, "response missing securityScore")
	}

	report := &LogReport{SecurityScore: clampScore(*raw.SecurityScore)}
	for _, act := range raw.SuspiciousActivities {
		if act.Activity == "" {
			continue
		}
		report.Activities = append(report.Activities, ActivityFinding{
			Activity:       act.Activity,
			Description:    act.Description,
			Risk:           schema.ParseSeverity(act.RiskLevel),
			SourceSystem:   act.SourceSystem,
			Recommendation: act.Recommendation,
		})
	}
	return report, nil
}

// Database runs database-health analysis. Exactly one of report or
// degraded is non-nil.
func (a *Adapter) Database(ctx context.Context, status *DatabaseStatus) (*DBReport, *Degraded) {
	raw, err := a.service.AnalyzeDatabaseStatus(ctx, status)
	if err != nil {
		return nil, a.degraded(AnalysisDatabase, err.Error())
	}

	health := DBHealth(raw.Status)
	switch health {
	case DBHealthy, DBDegraded, DBCritical:
	default:
		return nil, a.degraded(AnalysisDatabase, fmt.Sprintf("response has unknown status %q", raw.Status))
	}

	report := &DBReport{
		Status:          health,
		Recommendations: raw.Recommendations,
	}
	for _, issue := range raw.Issues {
		if issue.Type == "" {
			continue
		}
		report.Issues = append(report.Issues, IssueFinding{
			Type:        issue.Type,
			Severity:    schema.ParseSeverity(issue.Severity),
			Description: issue.Description,
			Solution:    issue.Solution,
		})
	}
	return report, nil
}

// Threats runs aggregate threat analysis. Exactly one of report or
// degraded is non-nil.
func (a *Adapter) Threats(ctx context.Context, threats []*schema.Threat, devices []*schema.Device, alerts []*schema.Alert) (*ThreatReport, *Degraded) {
	raw, err := a.service.AnalyzeThreats(ctx, threats, devices, alerts)
	if err != nil {
		return nil, a.degraded(AnalysisThreats, err.Error())
	}
	if raw.RiskScore == nil {
		return nil, a.degraded(AnalysisThreats, "response missing riskScore")
	}

	report := &ThreatReport{
		RiskScore:        clampScore(*raw.RiskScore),
		Summary:          raw.Summary,
		ImmediateActions: raw.ImmediateActions,
	}
	for _, finding := range raw.Threats {
		if finding.Type == "" {
			continue
		}
		report.Findings = append(report.Findings, RiskFinding{
			Type:           finding.Type,
			Severity:       schema.ParseSeverity(finding.Severity),
			Description:    finding.Description,
			Recommendation: finding.Recommendation,
		})
	}
	return report, nil
}

func (a *Adapter) degraded(analysis, reason string) *Degraded {
	a.logger.Warn("analysis degraded",
		"analysis", analysis,
		"reason", reason,
	)
	return &Degraded{Analysis: analysis, Reason: reason}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
