package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"medsentry/internal/schema"
)

func TestMemoryStoreDevices(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetDevice(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	device := &schema.Device{
		ID:         uuid.New(),
		Name:       "vent-1",
		Type:       "ventilator",
		Status:     schema.DeviceOnline,
		LastActive: time.Now().UTC(),
	}
	if err := s.PutDevice(ctx, device); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDeviceByName(ctx, "vent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != device.ID {
		t.Fatalf("expected device %s, got %s", device.ID, got.ID)
	}

	// Stored rows are copies; mutating the returned value must not
	// leak into the store.
	got.Status = schema.DeviceOffline
	again, err := s.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != schema.DeviceOnline {
		t.Errorf("store row mutated through returned copy")
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
}

func TestMemoryStoreThreats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	deviceID := uuid.New()

	older := &schema.Threat{ID: uuid.New(), DeviceID: deviceID, Type: "high_cpu", Severity: schema.SeverityHigh, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &schema.Threat{ID: uuid.New(), DeviceID: deviceID, Type: "auth_failures", Severity: schema.SeverityCritical, CreatedAt: time.Now()}
	for _, th := range []*schema.Threat{older, newer} {
		if err := s.InsertThreat(ctx, th); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListThreats(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != newer.ID {
		t.Fatalf("expected newest-first ordering, got %+v", all)
	}

	if err := s.ResolveThreat(ctx, older.ID); err != nil {
		t.Fatal(err)
	}
	unresolved, err := s.ListThreats(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != newer.ID {
		t.Fatalf("expected only the unresolved threat, got %+v", unresolved)
	}

	if err := s.ResolveThreat(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreAlerts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	alert := &schema.Alert{
		ID:        uuid.New(),
		Type:      schema.AlertThreatDetected,
		Severity:  schema.SeverityHigh,
		Title:     "High CPU Usage",
		Source:    "vent-1",
		Status:    schema.AlertActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateAlert(ctx, &schema.Alert{ID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown update, got %v", err)
	}

	alert.Status = schema.AlertAcknowledged
	if err := s.UpdateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListAlerts(ctx, schema.AlertActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active alerts after acknowledge, got %d", len(active))
	}
	acked, err := s.ListAlerts(ctx, schema.AlertAcknowledged)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 {
		t.Fatalf("expected 1 acknowledged alert, got %d", len(acked))
	}
}

func TestMemoryStoreWatermark(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AdvanceWatermark(ctx, "his-1", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown system, got %v", err)
	}

	if err := s.PutSystem(ctx, &schema.ExternalSystem{ID: "his-1", URL: "https://his.clinic.test"}); err != nil {
		t.Fatal(err)
	}

	first := time.Now().UTC()
	if err := s.AdvanceWatermark(ctx, "his-1", first); err != nil {
		t.Fatal(err)
	}

	// Older marks never move the watermark backwards.
	if err := s.AdvanceWatermark(ctx, "his-1", first.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	sys, err := s.GetSystem(ctx, "his-1")
	if err != nil {
		t.Fatal(err)
	}
	if sys.LastSync == nil || !sys.LastSync.Equal(first) {
		t.Fatalf("expected watermark %v, got %v", first, sys.LastSync)
	}

	if err := s.SetSystemStatus(ctx, "his-1", schema.SystemError); err != nil {
		t.Fatal(err)
	}
	sys, err = s.GetSystem(ctx, "his-1")
	if err != nil {
		t.Fatal(err)
	}
	if sys.Status != schema.SystemError {
		t.Fatalf("expected error status, got %s", sys.Status)
	}
}

func TestMemoryStoreRecentLogs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	logs := []*schema.SystemLog{
		{ID: uuid.New(), SystemID: "his-1", Message: "old", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: uuid.New(), SystemID: "his-1", Message: "recent", CreatedAt: now.Add(-10 * time.Minute)},
		{ID: uuid.New(), SystemID: "his-1", Message: "newest", CreatedAt: now},
	}
	if err := s.InsertLogs(ctx, logs); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentLogs(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Message != "newest" {
		t.Fatalf("expected 2 windowed logs newest first, got %+v", got)
	}

	capped, err := s.RecentLogs(ctx, time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 1 || capped[0].Message != "newest" {
		t.Fatalf("expected limit to keep the newest row, got %+v", capped)
	}
}
