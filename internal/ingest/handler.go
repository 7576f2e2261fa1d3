package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/alerting"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
	"medsentry/internal/syncer"
)

// IntegrationKeyHeader carries the shared secret on integrator calls.
const IntegrationKeyHeader = "X-Integration-Key"

// Handler exposes the inbound HTTP surface: telemetry intake, device
// registration and external-system linking.
type Handler struct {
	ingestor   *Ingestor
	connector  *syncer.Connector
	systems    storage.SystemStore
	keyring    *KeyRing
	manager    *alerting.Manager
	alerts     storage.AlertStore
	maxPayload int
	startTime  time.Time

	telemetryTotal uint64
	threatsTotal   uint64
	syncsTotal     uint64
}

// NewHandler creates an ingest Handler.
func NewHandler(ingestor *Ingestor, connector *syncer.Connector, systems storage.SystemStore, keyring *KeyRing) *Handler {
	return &Handler{
		ingestor:   ingestor,
		connector:  connector,
		systems:    systems,
		keyring:    keyring,
		maxPayload: 1 * 1024 * 1024, // 1MB default
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// Routes registers the handler's endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /telemetry", h.HandleTelemetry)
	mux.HandleFunc("POST /devices/register", h.HandleRegister)
	mux.HandleFunc("POST /system-monitor", h.HandleSystemMonitor)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	if h.manager != nil {
		h.alertRoutes(mux)
	}
}

// TelemetryRequest is the request body for telemetry intake.
type TelemetryRequest struct {
	DeviceID  uuid.UUID      `json:"device_id"`
	Metrics   map[string]any `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// TelemetryResponse is the response for accepted telemetry.
type TelemetryResponse struct {
	Success bool             `json:"success"`
	Threats []*schema.Threat `json:"threats"`
}

// HandleTelemetry handles POST /telemetry.
func (h *Handler) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req TelemetryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), req.DeviceID, req.Metrics, req.Timestamp)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownDevice):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrStaleTelemetry):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	atomic.AddUint64(&h.telemetryTotal, 1)
	atomic.AddUint64(&h.threatsTotal, uint64(len(result.Threats)))

	respondJSON(w, http.StatusOK, TelemetryResponse{
		Success: true,
		Threats: result.Threats,
	})
}

// RegisterRequest is the request body for device registration.
type RegisterRequest struct {
	DeviceName     string         `json:"device_name"`
	DeviceType     string         `json:"device_type"`
	Location       string         `json:"location,omitempty"`
	InitialMetrics map[string]any `json:"initial_metrics,omitempty"`
}

// RegisterResponse is the response for device registration.
type RegisterResponse struct {
	Success bool           `json:"success"`
	Device  *schema.Device `json:"device"`
	Message string         `json:"message"`
}

// HandleRegister handles POST /devices/register. Registration is
// idempotent by device name.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.DeviceName == "" || req.DeviceType == "" {
		respondError(w, http.StatusBadRequest, "device_name and device_type are required")
		return
	}

	device, created, err := h.ingestor.Register(r.Context(), req.DeviceName, req.DeviceType, req.Location, req.InitialMetrics)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	message := "device already registered"
	status := http.StatusOK
	if created {
		message = "device registered"
		status = http.StatusCreated
	}
	respondJSON(w, status, RegisterResponse{
		Success: true,
		Device:  device,
		Message: message,
	})
}

// SystemMonitorRequest is the request body for linking an external system.
type SystemMonitorRequest struct {
	SystemID string `json:"system_id"`
	URL      string `json:"url"`
	AnonKey  string `json:"anon_key"`
}

// SystemMonitorResponse is the response for a completed link-and-sync.
type SystemMonitorResponse struct {
	Success   bool      `json:"success"`
	LogsCount int       `json:"logs_count"`
	LastSync  time.Time `json:"last_sync"`
}

// HandleSystemMonitor handles POST /system-monitor. The integration
// key is checked against the stored allow-list before any outbound
// call is attempted.
func (h *Handler) HandleSystemMonitor(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IntegrationKeyHeader)
	if key == "" {
		respondError(w, http.StatusUnauthorized, "missing integration key")
		return
	}
	if h.keyring == nil || !h.keyring.Verify(key) {
		respondError(w, http.StatusUnauthorized, "invalid integration key")
		return
	}

	var req SystemMonitorRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.SystemID == "" || req.URL == "" || req.AnonKey == "" {
		respondError(w, http.StatusBadRequest, "system_id, url and anon_key are required")
		return
	}

	verdict := h.connector.Validate(r.Context(), req.URL, req.AnonKey)
	if !verdict.Valid {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("system validation failed: %s", verdict.Reason))
		return
	}

	system := &schema.ExternalSystem{
		ID:        req.SystemID,
		URL:       req.URL,
		AccessKey: req.AnonKey,
		Status:    schema.SystemPending,
	}
	if existing, err := h.systems.GetSystem(r.Context(), req.SystemID); err == nil {
		// Re-linking keeps the watermark so no rows are re-pulled.
		system.LastSync = existing.LastSync
	}
	if err := h.systems.PutSystem(r.Context(), system); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store system")
		return
	}

	result, err := h.connector.Sync(r.Context(), req.SystemID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	atomic.AddUint64(&h.syncsTotal, 1)
	respondJSON(w, http.StatusOK, SystemMonitorResponse{
		Success:   true,
		LogsCount: result.LogsCount,
		LastSync:  result.LastSync,
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP medsentry_telemetry_total Total telemetry readings accepted\n")
	fmt.Fprintf(w, "# TYPE medsentry_telemetry_total counter\n")
	fmt.Fprintf(w, "medsentry_telemetry_total %d\n\n", atomic.LoadUint64(&h.telemetryTotal))

	fmt.Fprintf(w, "# HELP medsentry_threats_total Total threats detected at ingest\n")
	fmt.Fprintf(w, "# TYPE medsentry_threats_total counter\n")
	fmt.Fprintf(w, "medsentry_threats_total %d\n\n", atomic.LoadUint64(&h.threatsTotal))

	fmt.Fprintf(w, "# HELP medsentry_syncs_total Total completed external-system syncs\n")
	fmt.Fprintf(w, "# TYPE medsentry_syncs_total counter\n")
	fmt.Fprintf(w, "medsentry_syncs_total %d\n\n", atomic.LoadUint64(&h.syncsTotal))

	fmt.Fprintf(w, "# HELP medsentry_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE medsentry_uptime_seconds gauge\n")
	fmt.Fprintf(w, "medsentry_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// decodeBody reads and decodes a JSON request body, writing the error
// response itself when that fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
