package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/kasir/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CacheWarmer loads variant views into the cache.
type CacheWarmer interface {
	WarmCache(ctx context.Context) (int, error)
}

// BreakdownWarmupJob pre-populates the variant cache after it has been
// invalidated, so POS lookups hit Redis.
type BreakdownWarmupJob struct {
	Warmer  CacheWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewBreakdownWarmupJob wires dependencies for the warmup handler.
func NewBreakdownWarmupJob(warmer CacheWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BreakdownWarmupJob {
	return &BreakdownWarmupJob{Warmer: warmer, Logger: logger, Metrics: metrics, Timeout: 2 * time.Minute}
}

// Handle processes warmup tasks.
func (j *BreakdownWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Warmer == nil {
		return errors.New("breakdown warmup: handler not configured")
	}
	var payload SchedulePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := jobMetrics(j.Metrics)
	tracker := metrics.Track(TaskBreakdownWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskBreakdownWarmup)
	start := time.Now()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	warmed, err := j.Warmer.WarmCache(ctx)
	metrics.AddWarmed(warmed)
	if err != nil {
		logger.Error("warm variant cache", slog.Int("warmed", warmed), slog.Any("error", err))
		return err
	}
	logger.Info("completed breakdown warmup", slog.Int("variants", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func jobMetrics(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
