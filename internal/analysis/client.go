// Package analysis wraps the remote reasoning capability used for log,
// database-health and aggregate threat-risk analysis.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medsentry/internal/schema"
)

// Client communicates with the remote reasoning service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// ClientConfig holds configuration for the reasoning-service client.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://localhost:9400",
		Timeout: 30 * time.Second,
	}
}

// NewClient creates a new reasoning-service client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiKey: cfg.APIKey,
	}
}

// SuspiciousActivity is one finding from log analysis.
type SuspiciousActivity struct {
	Activity       string `json:"activity"`
	Description    string `json:"description"`
	RiskLevel      string `json:"riskLevel"`
	SourceSystem   string `json:"sourceSystem"`
	Recommendation string `json:"recommendation"`
}

// LogAnalysis is the response of the log-analysis operation.
type LogAnalysis struct {
	SecurityScore        *float64             `json:"securityScore"`
	SuspiciousActivities []SuspiciousActivity `json:"suspiciousActivities"`
}

// DatabaseIssue is one finding from database-health analysis.
type DatabaseIssue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
}

// DatabaseAnalysis is the response of the database-health operation.
type DatabaseAnalysis struct {
	Status          string          `json:"status"`
	Issues          []DatabaseIssue `json:"issues"`
	Recommendations []string        `json:"recommendations"`
}

// ThreatFinding is one finding from aggregate threat analysis.
type ThreatFinding struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// ThreatAnalysis is the response of the threat-analysis operation.
type ThreatAnalysis struct {
	RiskScore        *float64        `json:"riskScore"`
	Threats          []ThreatFinding `json:"threats"`
	Summary          string          `json:"summary"`
	ImmediateActions []string        `json:"immediateActions"`
}

// AnalyzeLogs submits synced log rows for analysis.
func (c *Client) AnalyzeLogs(ctx context.Context, logs []*schema.SystemLog) (*LogAnalysis, error) {
	var out LogAnalysis
	if err := c.post(ctx, "/v1/analyze/logs", map[string]any{"logs": logs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DatabaseStatus is the health snapshot submitted for analysis.
type DatabaseStatus struct {
	Devices      int       `json:"devices"`
	Threats      int       `json:"threats"`
	ActiveAlerts int       `json:"active_alerts"`
	Logs         int       `json:"logs"`
	CollectedAt  time.Time `json:"collected_at"`
}

// AnalyzeDatabaseStatus submits a store-health snapshot for analysis.
func (c *Client) AnalyzeDatabaseStatus(ctx context.Context, status *DatabaseStatus) (*DatabaseAnalysis, error) {
	var out DatabaseAnalysis
	if err := c.post(ctx, "/v1/analyze/database", map[string]any{"status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeThreats submits current threats, devices and alerts for
// aggregate risk analysis.
func (c *Client) AnalyzeThreats(ctx context.Context, threats []*schema.Threat, devices []*schema.Device, alerts []*schema.Alert) (*ThreatAnalysis, error) {
	payload := map[string]any{
		"threats": threats,
		"devices": devices,
		"alerts":  alerts,
	}
	var out ThreatAnalysis
	if err := c.post(ctx, "/v1/analyze/threats", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis request failed: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed analysis response: %w", err)
	}
	return nil
}
