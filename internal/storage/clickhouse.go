package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"medsentry/internal/schema"
)

// ClickHouseConfig holds the configuration for the ClickHouse log store.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "medsentry",
		Username:        "default",
		Password:        "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		TLSEnabled:      false,
		DialTimeout:     10 * time.Second,
	}
}

// ClickHouseLogStore stores synced external-system logs in ClickHouse.
// Logs are append-only and read back in time windows for sweeps, which
// is the access pattern ClickHouse is built for.
type ClickHouseLogStore struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseLogStore connects to ClickHouse and ensures the log
// table exists.
func NewClickHouseLogStore(cfg ClickHouseConfig) (*ClickHouseLogStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	store := &ClickHouseLogStore{conn: conn, config: cfg}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *ClickHouseLogStore) ensureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS system_logs (
			id UUID,
			system_id LowCardinality(String),
			level LowCardinality(String),
			message String,
			source String,
			created_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (system_id, created_at)
		TTL toDateTime(created_at) + INTERVAL 90 DAY
	`
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse ensure schema: %w", err)
	}
	return nil
}

// InsertLogs writes a batch of synced log rows.
func (s *ClickHouseLogStore) InsertLogs(ctx context.Context, logs []*schema.SystemLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO system_logs (id, system_id, level, message, source, created_at)")
	if err != nil {
		return fmt.Errorf("clickhouse prepare batch: %w", err)
	}

	for _, l := range logs {
		if err := batch.Append(
			l.ID,
			l.SystemID,
			l.Level,
			l.Message,
			l.Source,
			l.CreatedAt,
		); err != nil {
			return fmt.Errorf("clickhouse batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse batch send: %w", err)
	}
	return nil
}

// RecentLogs returns logs created inside the window, newest first.
func (s *ClickHouseLogStore) RecentLogs(ctx context.Context, window time.Duration, limit int) ([]*schema.SystemLog, error) {
	query := `
		SELECT id, system_id, level, message, source, created_at
		FROM system_logs
		WHERE created_at >= now64(3) - INTERVAL ? SECOND
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, int64(window.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query logs: %w", err)
	}
	defer rows.Close()

	var out []*schema.SystemLog
	for rows.Next() {
		var l schema.SystemLog
		var id uuid.UUID
		if err := rows.Scan(&id, &l.SystemID, &l.Level, &l.Message, &l.Source, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("clickhouse scan log: %w", err)
		}
		l.ID = id
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Close closes the ClickHouse connection.
func (s *ClickHouseLogStore) Close() error {
	return s.conn.Close()
}
