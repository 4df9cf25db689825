package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/veriaccess/veriaccess/internal/jobs"
)

// LogPruner deletes audit entries older than the cutoff.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// LogRetentionJob enforces the audit log retention window.
type LogRetentionJob struct {
	Pruner    LogPruner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	now       func() time.Time
}

// NewLogRetentionJob initialises the retention handler with the
// configured default window.
func NewLogRetentionJob(pruner LogPruner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *LogRetentionJob {
	return &LogRetentionJob{
		Pruner:    pruner,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes one pruning run.
func (j *LogRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pruner == nil {
		return errors.New("log retention: handler not configured")
	}
	var payload LogRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.Retention > 0 {
		retention = payload.Retention
	}
	if retention <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskAccessLogRetention)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(-retention)
	pruned, err := j.Pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		resultErr = err
		return err
	}
	if j.Logger != nil && pruned > 0 {
		j.Logger.Info("audit log retention applied",
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff))
	}
	return nil
}
