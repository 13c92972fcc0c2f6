package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/loomworks-erp/loomworks-erp/internal/jobs"
	"github.com/loomworks-erp/loomworks-erp/internal/routing"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RouteRecheckJob periodically recomputes routing suggestions so dispatchers
// see fresh savings estimates without opening the routing screen.
type RouteRecheckJob struct {
	Advisor *routing.Advisor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRouteRecheckJob initialises the route recheck handler.
func NewRouteRecheckJob(advisor *routing.Advisor, logger *slog.Logger, metrics *jobmetrics.Metrics) *RouteRecheckJob {
	return &RouteRecheckJob{Advisor: advisor, Logger: logger, Metrics: metrics}
}

// Handle executes one routing recheck pass.
func (j *RouteRecheckJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Advisor == nil {
		return errors.New("route recheck: handler not configured")
	}

	tracker := j.metrics().Track(TaskRouteRecheck)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	suggestions, err := j.Advisor.Suggest(ctx)
	if err != nil {
		resultErr = err
		j.log().Error("route recheck failed", slog.Any("error", err))
		return resultErr
	}

	for _, s := range suggestions {
		j.log().Info("route improvement available",
			slog.String("cluster_id", s.ClusterID),
			slog.Float64("current_km", s.CurrentKm),
			slog.Float64("proposed_km", s.ProposedKm),
			slog.Float64("saving_km", s.EstimatedSavingKm),
		)
		j.metrics().AddSuggestions(s.ClusterID, 1)
	}

	j.log().Info("completed route recheck",
		slog.Int("suggestions", len(suggestions)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *RouteRecheckJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRouteRecheck))
	}
	return slog.Default().With(slog.String("job", TaskRouteRecheck))
}

func (j *RouteRecheckJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
