// Package syncer pulls incremental logs from linked external systems.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RemoteLog is one log row as served by a linked external system.
type RemoteLog struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// LogSource fetches log rows from an external system's log API.
type LogSource interface {
	// Probe issues a bounded single-row query to verify reachability,
	// credentials and schema.
	Probe(ctx context.Context, baseURL, key string) error
	// FetchLogs returns rows with created_at strictly greater than
	// since (all rows when since is nil), oldest first, capped at limit.
	FetchLogs(ctx context.Context, baseURL, key string, since *time.Time, limit int) ([]RemoteLog, error)
}

// APIError is a non-2xx response from the external system, kept with
// enough detail for failure classification.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("external system returned %d: %s", e.StatusCode, e.Message)
}

// HTTPSource talks to a PostgREST-style log endpoint exposed by linked
// hospital systems.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTPSource. Per-call deadlines come from
// the caller's context; the transport itself carries no timeout.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{client: &http.Client{}}
}

// Probe issues a limit-1 query against the log table.
func (s *HTTPSource) Probe(ctx context.Context, baseURL, key string) error {
	_, err := s.query(ctx, baseURL, key, nil, 1)
	return err
}

// FetchLogs returns log rows newer than the watermark.
func (s *HTTPSource) FetchLogs(ctx context.Context, baseURL, key string, since *time.Time, limit int) ([]RemoteLog, error) {
	return s.query(ctx, baseURL, key, since, limit)
}

func (s *HTTPSource) query(ctx context.Context, baseURL, key string, since *time.Time, limit int) ([]RemoteLog, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/system_logs?select=id,level,message,source,created_at&order=created_at.asc&limit=%d", baseURL, limit)
	if since != nil {
		endpoint += "&created_at=gt." + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", key)
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: extractMessage(body)}
	}

	var rows []RemoteLog
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("malformed log response: %w", err)
	}
	return rows, nil
}

// extractMessage pulls the message field from a JSON error body,
// falling back to the raw body.
func extractMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return string(body)
}
