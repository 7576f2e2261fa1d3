package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// watermarkKey is where the scheduler records the last completed sweep.
const watermarkKey = "medsentry:sweep:last_run"

// Watermark records when the last sweep completed, so a restarted
// process does not wait a full interval before its first sweep.
type Watermark interface {
	LastSweep(ctx context.Context) (time.Time, error)
	SetLastSweep(ctx context.Context, t time.Time) error
}

// RedisWatermark stores the sweep watermark in Redis, shared across
// restarts and replicas.
type RedisWatermark struct {
	client *redis.Client
}

// NewRedisWatermark creates a Redis-backed watermark.
func NewRedisWatermark(client *redis.Client) *RedisWatermark {
	return &RedisWatermark{client: client}
}

// LastSweep reads the stored watermark. A missing key reads as the
// zero time.
func (w *RedisWatermark) LastSweep(ctx context.Context) (time.Time, error) {
	val, err := w.client.Get(ctx, watermarkKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// SetLastSweep writes the watermark.
func (w *RedisWatermark) SetLastSweep(ctx context.Context, t time.Time) error {
	return w.client.Set(ctx, watermarkKey, t.UTC().Format(time.RFC3339Nano), 0).Err()
}

// MemoryWatermark is a process-local watermark for deployments without
// Redis.
type MemoryWatermark struct {
	mu   sync.Mutex
	last time.Time
}

// LastSweep returns the stored watermark.
func (w *MemoryWatermark) LastSweep(ctx context.Context) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, nil
}

// SetLastSweep stores the watermark.
func (w *MemoryWatermark) SetLastSweep(ctx context.Context, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = t
	return nil
}

// Scheduler drives the orchestrator on a fixed interval. An operator
// can force an immediate sweep with TriggerNow.
type Scheduler struct {
	orchestrator *Orchestrator
	watermark    Watermark
	interval     time.Duration
	logger       *slog.Logger
	trigger      chan struct{}
}

// NewScheduler creates a sweep scheduler.
func NewScheduler(orchestrator *Orchestrator, watermark Watermark, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if watermark == nil {
		watermark = &MemoryWatermark{}
	}
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Scheduler{
		orchestrator: orchestrator,
		watermark:    watermark,
		interval:     interval,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate sweep. A request while one is
// already pending is coalesced.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, sweeping on the interval until the context is canceled.
// When the stored watermark says a full interval has already elapsed,
// the first sweep runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	last, err := s.watermark.LastSweep(ctx)
	if err != nil {
		s.logger.Warn("failed to read sweep watermark, sweeping now", "error", err)
		last = time.Time{}
	}
	if time.Since(last) >= s.interval {
		s.sweep(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.trigger:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.orchestrator.RunSweep(ctx)
	if err := s.watermark.SetLastSweep(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("failed to store sweep watermark", "error", err)
	}
}
