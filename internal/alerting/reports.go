package alerting

import (
	"context"
	"fmt"

	"medsentry/internal/analysis"
	"medsentry/internal/schema"
)

// Composite thresholds. Scores below/above these lines synthesize one
// aggregate alert on top of the per-item alerts already created.
const (
	securityScoreLow      = 70
	securityScoreCritical = 50
	riskScoreHigh         = 70
	riskScoreCritical     = 85
)

// ProcessLogReport creates one suspicious_activity alert per finding,
// then, when the overall security score is low, exactly one composite
// alert carrying the full analysis as metadata.
func (m *Manager) ProcessLogReport(ctx context.Context, report *analysis.LogReport) []*schema.Alert {
	var created []*schema.Alert

	for _, act := range report.Activities {
		source := act.SourceSystem
		if source == "" {
			source = analysis.AnalysisLogs
		}
		var recs []string
		if act.Recommendation != "" {
			recs = []string{act.Recommendation}
		}
		alert, err := m.Create(ctx, Spec{
			Type:            schema.AlertSuspiciousActivity,
			Severity:        act.Risk,
			Title:           act.Activity,
			Description:     act.Description,
			Source:          source,
			Recommendations: recs,
		})
		if err != nil {
			m.logger.Error("failed to create suspicious-activity alert", "activity", act.Activity, "error", err)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}

	if report.SecurityScore < securityScoreLow {
		severity := schema.SeverityHigh
		if report.SecurityScore < securityScoreCritical {
			severity = schema.SeverityCritical
		}
		alert, err := m.Create(ctx, Spec{
			Type:        schema.AlertSuspiciousActivity,
			Severity:    severity,
			Title:       "Low security score across synced logs",
			Description: fmt.Sprintf("Log analysis scored overall security at %.0f/100", report.SecurityScore),
			Source:      analysis.AnalysisLogs,
			Metadata: map[string]any{
				"security_score": report.SecurityScore,
				"activities":     report.Activities,
			},
		})
		if err != nil {
			m.logger.Error("failed to create log composite alert", "error", err)
		} else if alert != nil {
			created = append(created, alert)
		}
	}

	return created
}

// ProcessDBReport creates one database_issue alert per issue, then,
// when the store is not healthy, exactly one composite alert.
func (m *Manager) ProcessDBReport(ctx context.Context, report *analysis.DBReport) []*schema.Alert {
	var created []*schema.Alert

	for _, issue := range report.Issues {
		var recs []string
		if issue.Solution != "" {
			recs = []string{issue.Solution}
		}
		alert, err := m.Create(ctx, Spec{
			Type:            schema.AlertDatabaseIssue,
			Severity:        issue.Severity,
			Title:           issue.Type,
			Description:     issue.Description,
			Source:          analysis.AnalysisDatabase,
			Recommendations: recs,
		})
		if err != nil {
			m.logger.Error("failed to create database-issue alert", "issue", issue.Type, "error", err)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}

	if report.Status != analysis.DBHealthy {
		severity := schema.SeverityMedium
		if report.Status == analysis.DBCritical {
			severity = schema.SeverityCritical
		}
		alert, err := m.Create(ctx, Spec{
			Type:            schema.AlertDatabaseIssue,
			Severity:        severity,
			Title:           fmt.Sprintf("Database health %s", report.Status),
			Description:     fmt.Sprintf("Database-health analysis reported status %q with %d issues", report.Status, len(report.Issues)),
			Source:          analysis.AnalysisDatabase,
			Recommendations: report.Recommendations,
			Metadata: map[string]any{
				"status": string(report.Status),
				"issues": report.Issues,
			},
		})
		if err != nil {
			m.logger.Error("failed to create database composite alert", "error", err)
		} else if alert != nil {
			created = append(created, alert)
		}
	}

	return created
}

// ProcessThreatReport creates one threat_detected alert per finding,
// then, when the aggregate risk score is elevated, exactly one
// composite alert.
func (m *Manager) ProcessThreatReport(ctx context.Context, report *analysis.ThreatReport) []*schema.Alert {
	var created []*schema.Alert

	for _, finding := range report.Findings {
		var recs []string
		if finding.Recommendation != "" {
			recs = []string{finding.Recommendation}
		}
		alert, err := m.Create(ctx, Spec{
			Type:            schema.AlertThreatDetected,
			Severity:        finding.Severity,
			Title:           finding.Type,
			Description:     finding.Description,
			Source:          analysis.AnalysisThreats,
			Recommendations: recs,
		})
		if err != nil {
			m.logger.Error("failed to create threat-finding alert", "finding", finding.Type, "error", err)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}

	if report.RiskScore > riskScoreHigh {
		severity := schema.SeverityHigh
		if report.RiskScore > riskScoreCritical {
			severity = schema.SeverityCritical
		}
		alert, err := m.Create(ctx, Spec{
			Type:            schema.AlertThreatDetected,
			Severity:        severity,
			Title:           "Elevated aggregate threat risk",
			Description:     report.Summary,
			Source:          analysis.AnalysisThreats,
			Recommendations: report.ImmediateActions,
			Metadata: map[string]any{
				"risk_score": report.RiskScore,
				"findings":   report.Findings,
			},
		})
		if err != nil {
			m.logger.Error("failed to create threat composite alert", "error", err)
		} else if alert != nil {
			created = append(created, alert)
		}
	}

	return created
}
