// Package main is the entry point for the MedSentry monitoring service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"medsentry/internal/alerting"
	"medsentry/internal/analysis"
	"medsentry/internal/config"
	"medsentry/internal/ingest"
	"medsentry/internal/rules"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
	"medsentry/internal/storage/s3"
	"medsentry/internal/sweep"
	"medsentry/internal/syncer"
)

// appStore routes log rows to a dedicated backend while all other
// entities stay in the primary store.
type appStore struct {
	*storage.MemoryStore
	logs storage.LogStore
}

func (s *appStore) InsertLogs(ctx context.Context, logs []*schema.SystemLog) error {
	return s.logs.InsertLogs(ctx, logs)
}

func (s *appStore) RecentLogs(ctx context.Context, window time.Duration, limit int) ([]*schema.SystemLog, error) {
	return s.logs.RecentLogs(ctx, window, limit)
}

func main() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("MEDSENTRY_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"logs_backend", cfg.Storage.LogsBackend,
		"auth_enabled", cfg.Auth.Enabled,
		"analysis_enabled", cfg.Analysis.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Primary store, with an optional ClickHouse backend for log rows
	memStore := storage.NewMemoryStore()
	store := &appStore{MemoryStore: memStore, logs: memStore}

	var chStore *storage.ClickHouseLogStore
	if cfg.Storage.LogsBackend == "clickhouse" {
		slog.Info("initializing ClickHouse log store",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		chCfg := storage.DefaultClickHouseConfig()
		chCfg.Hosts = cfg.Storage.ClickHouse.Hosts
		chCfg.Database = cfg.Storage.ClickHouse.Database
		chCfg.Username = cfg.Storage.ClickHouse.Username
		chCfg.Password = cfg.Storage.ClickHouse.Password
		chCfg.DialTimeout = cfg.Storage.ClickHouse.DialTimeout

		chStore, err = storage.NewClickHouseLogStore(chCfg)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		store.logs = chStore
	}

	// Detection rules
	ruleSet := rules.BuiltinRules()
	if cfg.Rules.Path != "" {
		data, err := os.ReadFile(cfg.Rules.Path)
		if err != nil {
			slog.Error("failed to read rules file", "path", cfg.Rules.Path, "error", err)
			os.Exit(1)
		}
		ruleSet, err = rules.ParseRules(data)
		if err != nil {
			slog.Error("failed to parse rules file", "path", cfg.Rules.Path, "error", err)
			os.Exit(1)
		}
		slog.Info("loaded detection rules", "path", cfg.Rules.Path, "count", len(ruleSet))
	}
	engine := rules.NewEngine(ruleSet, logger)

	// Alert manager with notification channels
	managerCfg := alerting.ManagerConfig{
		DedupEnabled: cfg.Alerting.DedupEnabled,
		DedupWindow:  cfg.Alerting.DedupWindow,
		Retry:        storage.DefaultRetryConfig(),
	}
	manager := alerting.NewManager(managerCfg, store, alerting.StaticRecipients(cfg.Alerting.Recipients), logger)

	for i, url := range cfg.Alerting.WebhookURLs {
		manager.AddChannel(alerting.NewWebhookChannel(fmt.Sprintf("webhook-%d", i), url, nil))
	}

	var kafkaChannel *alerting.KafkaChannel
	if cfg.Kafka.Enabled {
		kafkaCfg := alerting.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.Topic = cfg.Kafka.Topic
		kafkaChannel = alerting.NewKafkaChannel(kafkaCfg)
		manager.AddChannel(kafkaChannel)
	}

	// Telemetry ingestor and sync connector
	ingestor := ingest.NewIngestor(store, store, engine, manager, schema.NewValidator(), storage.DefaultRetryConfig(), logger)

	connector := syncer.NewConnector(syncer.NewHTTPSource(), store, store, syncer.Config{
		Timeout:    cfg.Syncer.Timeout,
		BatchLimit: cfg.Syncer.BatchLimit,
	}, logger)

	keyring := ingest.NewKeyRing(cfg.Auth.IntegrationKeyHashes)
	if keyring.Empty() {
		slog.Warn("no integration key hashes configured, /system-monitor will reject all calls")
	}

	handler := ingest.NewHandler(ingestor, connector, store, keyring).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithAlerts(manager, store)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.Routes(mux)

	// Apply middleware
	wrappedHandler := ingest.WithMiddleware(mux, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// DTLS telemetry listener
	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(cfg.Ingest.DTLS, ingestor, logger)
		if err != nil {
			slog.Error("failed to create DTLS server", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start DTLS server", "error", err)
			os.Exit(1)
		}
	}

	// Sweep scheduler, driven by the analysis capability
	var redisClient *redis.Client
	if cfg.Analysis.Enabled {
		client := analysis.NewClient(analysis.ClientConfig{
			BaseURL: cfg.Analysis.BaseURL,
			APIKey:  cfg.Analysis.APIKey,
			Timeout: cfg.Analysis.Timeout,
		})
		adapter := analysis.NewAdapter(client, logger)
		orchestrator := sweep.NewOrchestrator(adapter, manager, store, sweep.Config{
			Interval:  cfg.Sweep.Interval,
			LogWindow: cfg.Sweep.LogWindow,
			LogLimit:  cfg.Sweep.LogLimit,
		}, logger)

		var watermark sweep.Watermark
		if cfg.Redis.Enabled {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			watermark = sweep.NewRedisWatermark(redisClient)
		}

		scheduler := sweep.NewScheduler(orchestrator, watermark, cfg.Sweep.Interval, logger)
		go scheduler.Run(ctx)
	} else {
		slog.Warn("analysis disabled, sweeps will not run")
	}

	// Daily log archival to S3
	if cfg.Archive.Enabled {
		s3Cfg := s3.DefaultConfig()
		s3Cfg.Bucket = cfg.Archive.Bucket
		s3Cfg.Region = cfg.Archive.Region
		s3Cfg.Endpoint = cfg.Archive.Endpoint
		s3Cfg.AccessKeyID = cfg.Archive.AccessKey
		s3Cfg.SecretAccessKey = cfg.Archive.SecretKey

		archiver, err := s3.NewArchiver(ctx, s3Cfg, logger)
		if err != nil {
			slog.Error("failed to create log archiver", "error", err)
			os.Exit(1)
		}
		go runArchival(ctx, archiver, store)
	}

	// Start HTTP server
	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()

	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	if kafkaChannel != nil {
		if err := kafkaChannel.Close(); err != nil {
			slog.Error("kafka channel close error", "error", err)
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	if chStore != nil {
		if err := chStore.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
}

// runArchival pushes the previous day's synced logs to S3 once per day.
func runArchival(ctx context.Context, archiver *s3.Archiver, logs storage.LogStore) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	archive := func() {
		rows, err := logs.RecentLogs(ctx, 24*time.Hour, 100000)
		if err != nil {
			slog.Error("archival read failed", "error", err)
			return
		}
		if len(rows) == 0 {
			return
		}
		key, err := archiver.ArchiveLogs(ctx, time.Now().UTC().AddDate(0, 0, -1), rows)
		if err != nil {
			slog.Error("archival upload failed", "error", err)
			return
		}
		slog.Info("archived logs", "key", key, "count", len(rows))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archive()
		}
	}
}
