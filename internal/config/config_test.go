package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	// Test ingest defaults
	if cfg.Ingest.MaxPayloadSize != 1*1024*1024 {
		t.Errorf("expected MaxPayloadSize 1MB, got %d", cfg.Ingest.MaxPayloadSize)
	}
	if cfg.Ingest.DTLS.Enabled {
		t.Error("expected DTLS disabled by default")
	}

	// Test sweep defaults
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Errorf("expected Sweep.Interval 5m, got %v", cfg.Sweep.Interval)
	}

	// Test alerting defaults
	if cfg.Alerting.DedupEnabled {
		t.Error("expected alert deduplication disabled by default")
	}

	// Test rate limit defaults
	if !cfg.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled to be true")
	}
	if cfg.RateLimit.RequestsPerIP != 1000 {
		t.Errorf("expected RequestsPerIP 1000, got %d", cfg.RateLimit.RequestsPerIP)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  http_port: 9090
sweep:
  interval: 10m
alerting:
  dedup_enabled: true
  dedup_window: 30m
syncer:
  timeout: 5s
  batch_limit: 50
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("MEDSENTRY_CONFIG_PATH", path)
	defer os.Unsetenv("MEDSENTRY_CONFIG_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected HTTPPort 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Sweep.Interval != 10*time.Minute {
		t.Errorf("expected Sweep.Interval 10m, got %v", cfg.Sweep.Interval)
	}
	if !cfg.Alerting.DedupEnabled {
		t.Error("expected dedup enabled from file")
	}
	if cfg.Syncer.BatchLimit != 50 {
		t.Errorf("expected BatchLimit 50, got %d", cfg.Syncer.BatchLimit)
	}

	// Untouched values keep their defaults
	if cfg.RateLimit.RequestsPerIP != 1000 {
		t.Errorf("expected default RequestsPerIP, got %d", cfg.RateLimit.RequestsPerIP)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	os.Setenv("MEDSENTRY_CONFIG_PATH", "/nonexistent/config.yaml")
	defer os.Unsetenv("MEDSENTRY_CONFIG_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default HTTPPort, got %d", cfg.Server.HTTPPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("MEDSENTRY_CONFIG_PATH", "/nonexistent/config.yaml")
	os.Setenv("MEDSENTRY_HTTP_PORT", "7070")
	os.Setenv("MEDSENTRY_API_KEY", "test-key")
	os.Setenv("REDIS_ADDR", "redis.internal:6379")
	os.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	defer func() {
		os.Unsetenv("MEDSENTRY_CONFIG_PATH")
		os.Unsetenv("MEDSENTRY_HTTP_PORT")
		os.Unsetenv("MEDSENTRY_API_KEY")
		os.Unsetenv("REDIS_ADDR")
		os.Unsetenv("KAFKA_BROKERS")
	}()

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("expected HTTPPort 7070, got %d", cfg.Server.HTTPPort)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 {
		t.Error("expected API key auth enabled from env")
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected redis enabled at redis.internal:6379, got %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "broker2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"bad sweep interval", func(c *Config) { c.Sweep.Interval = 0 }, true},
		{"bad batch limit", func(c *Config) { c.Syncer.BatchLimit = -1 }, true},
		{"analysis without url", func(c *Config) { c.Analysis.Enabled = true }, true},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
