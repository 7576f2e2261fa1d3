package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/schema"
)

// MemoryStore is a mutex-guarded in-memory implementation of Store.
// It backs tests and single-node deployments; rows are copied on the
// way in and out so callers never share mutable state.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*schema.Device
	byName  map[string]uuid.UUID
	threats map[uuid.UUID]*schema.Threat
	alerts  map[uuid.UUID]*schema.Alert
	systems map[string]*schema.ExternalSystem
	logs    []*schema.SystemLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[uuid.UUID]*schema.Device),
		byName:  make(map[string]uuid.UUID),
		threats: make(map[uuid.UUID]*schema.Threat),
		alerts:  make(map[uuid.UUID]*schema.Alert),
		systems: make(map[string]*schema.ExternalSystem),
	}
}

func copyDevice(d *schema.Device) *schema.Device {
	out := *d
	if d.Telemetry != nil {
		out.Telemetry = make(map[string]any, len(d.Telemetry))
		for k, v := range d.Telemetry {
			out.Telemetry[k] = v
		}
	}
	return &out
}

// GetDevice retrieves a device by ID.
func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*schema.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

// GetDeviceByName retrieves a device by its registered name.
func (s *MemoryStore) GetDeviceByName(ctx context.Context, name string) (*schema.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(s.devices[id]), nil
}

// PutDevice inserts or overwrites a device row. Concurrent writers for
// the same device follow last-write-wins at arrival order.
func (s *MemoryStore) PutDevice(ctx context.Context, device *schema.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = copyDevice(device)
	s.byName[device.Name] = device.ID
	return nil
}

// ListDevices returns all registered devices.
func (s *MemoryStore) ListDevices(ctx context.Context) ([]*schema.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// InsertThreat persists a new threat row.
func (s *MemoryStore) InsertThreat(ctx context.Context, threat *schema.Threat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *threat
	s.threats[t.ID] = &t
	return nil
}

// ListThreats returns threats, optionally only unresolved ones,
// newest first.
func (s *MemoryStore) ListThreats(ctx context.Context, unresolvedOnly bool) ([]*schema.Threat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Threat, 0, len(s.threats))
	for _, t := range s.threats {
		if unresolvedOnly && t.Resolved {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ResolveThreat marks a threat resolved. The flag only moves
// false -> true; resolving twice is a no-op.
func (s *MemoryStore) ResolveThreat(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threats[id]
	if !ok {
		return ErrNotFound
	}
	t.Resolved = true
	return nil
}

// InsertAlert persists a new alert row.
func (s *MemoryStore) InsertAlert(ctx context.Context, alert *schema.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *alert
	s.alerts[a.ID] = &a
	return nil
}

// GetAlert retrieves an alert by ID.
func (s *MemoryStore) GetAlert(ctx context.Context, id uuid.UUID) (*schema.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// UpdateAlert overwrites an existing alert row.
func (s *MemoryStore) UpdateAlert(ctx context.Context, alert *schema.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	a := *alert
	s.alerts[a.ID] = &a
	return nil
}

// ListAlerts returns alerts filtered by status (empty status returns
// all), newest first.
func (s *MemoryStore) ListAlerts(ctx context.Context, status schema.AlertStatus) ([]*schema.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if status != "" && a.Status != status {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetSystem retrieves a linked external system by ID.
func (s *MemoryStore) GetSystem(ctx context.Context, id string) (*schema.ExternalSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sys, ok := s.systems[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sys
	return &c, nil
}

// PutSystem inserts or overwrites an external system row.
func (s *MemoryStore) PutSystem(ctx context.Context, system *schema.ExternalSystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *system
	s.systems[c.ID] = &c
	return nil
}

// SetSystemStatus updates the status of an external system.
func (s *MemoryStore) SetSystemStatus(ctx context.Context, id string, status schema.SystemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys, ok := s.systems[id]
	if !ok {
		return ErrNotFound
	}
	sys.Status = status
	return nil
}

// AdvanceWatermark moves a system's last_sync watermark forward.
// Attempts to move it backwards are ignored, keeping the watermark
// monotonically non-decreasing.
func (s *MemoryStore) AdvanceWatermark(ctx context.Context, id string, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys, ok := s.systems[id]
	if !ok {
		return ErrNotFound
	}
	if sys.LastSync != nil && mark.Before(*sys.LastSync) {
		return nil
	}
	m := mark
	sys.LastSync = &m
	return nil
}

// InsertLogs appends synced log rows.
func (s *MemoryStore) InsertLogs(ctx context.Context, logs []*schema.SystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		c := *l
		s.logs = append(s.logs, &c)
	}
	return nil
}

// RecentLogs returns logs created inside the window, newest first,
// capped at limit.
func (s *MemoryStore) RecentLogs(ctx context.Context, window time.Duration, limit int) ([]*schema.SystemLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	out := make([]*schema.SystemLog, 0)
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
