package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/loomworks-erp/loomworks-erp/internal/jobs"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

const idempotencyRetention = 30 * 24 * time.Hour

// IdempotencyCleanupJob prunes idempotency keys past the retention window.
type IdempotencyCleanupJob struct {
	Store   *shared.IdempotencyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle removes expired idempotency entries.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}

	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Store.Cleanup(ctx, idempotencyRetention); err != nil {
		resultErr = err
		j.log().Error("idempotency cleanup failed", slog.Any("error", err))
		return resultErr
	}
	j.log().Info("pruned idempotency keys", slog.Duration("retention", idempotencyRetention))
	return resultErr
}

func (j *IdempotencyCleanupJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}

func (j *IdempotencyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
