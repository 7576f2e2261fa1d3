package ingest

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"medsentry/internal/config"
	"medsentry/internal/storage"
)

func testDTLSConfig() config.DTLSConfig {
	return config.DTLSConfig{
		Address:           "127.0.0.1:0",
		Workers:           1,
		MaxMessageSize:    2048,
		ConnectionTimeout: time.Second,
		IdleTimeout:       time.Minute,
		AllowInsecure:     true,
	}
}

func TestNewDTLSServerRequiresCert(t *testing.T) {
	cfg := testDTLSConfig()
	cfg.AllowInsecure = false
	if _, err := NewDTLSServer(cfg, nil, nil); err != ErrDTLSCertRequired {
		t.Fatalf("expected ErrDTLSCertRequired, got %v", err)
	}

	cfg = testDTLSConfig()
	cfg.RequireClientCert = true
	if _, err := NewDTLSServer(cfg, nil, nil); err != ErrDTLSClientCertRequired {
		t.Fatalf("expected ErrDTLSClientCertRequired, got %v", err)
	}
}

// Stop must close accepted connections so shutdown does not wait out
// the idle read deadline, and the readings channel must outlive every
// connection handler still delivering into it.
func TestDTLSServerStopClosesActiveConnections(t *testing.T) {
	ing, _ := newTestIngestor(t, storage.NewMemoryStore())
	device := registerDevice(t, ing, "pump-7")

	s, err := NewDTLSServer(testDTLSConfig(), ing, nil)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()

	readings := make(chan dtlsReading, 4)
	var senders sync.WaitGroup
	s.trackConn(server)
	senders.Add(1)
	s.wg.Add(1)
	go func() {
		defer senders.Done()
		s.handleConnection(context.Background(), server, readings)
	}()

	frame, err := json.Marshal(telemetryFrame{
		DeviceID:  device.ID,
		Metrics:   map[string]any{"battery_level": 82.0},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatal(err)
	}
	select {
	case reading := <-readings:
		if !reading.secure {
			t.Error("expected reading marked secure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	// The handler is now blocked in a read with a one-minute
	// deadline; Stop has to return well before that.
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle connection")
	}

	senders.Wait()
	close(readings)
}
