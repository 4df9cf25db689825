package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/veriaccess/veriaccess/internal/jobs"
)

// VisitorCheckouter releases lapsed inside visitors.
type VisitorCheckouter interface {
	AutoCheckout(ctx context.Context) (int, error)
}

// AutoCheckoutJob sweeps visitors still marked inside after every grant
// expired, so the occupancy counters do not drift overnight.
type AutoCheckoutJob struct {
	Visitors VisitorCheckouter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAutoCheckoutJob initialises the auto-checkout handler.
func NewAutoCheckoutJob(visitors VisitorCheckouter, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoCheckoutJob {
	return &AutoCheckoutJob{Visitors: visitors, Logger: logger, Metrics: metrics}
}

// Handle executes one auto-checkout sweep.
func (j *AutoCheckoutJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Visitors == nil {
		return errors.New("auto checkout: handler not configured")
	}
	var payload AutoCheckoutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskVisitorAutoCheckout)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	if payload.DryRun {
		return nil
	}

	count, err := j.Visitors.AutoCheckout(ctx)
	if err != nil {
		resultErr = err
		return err
	}
	if j.Logger != nil && count > 0 {
		j.Logger.Info("auto checkout sweep finished", slog.Int("checked_out", count))
	}
	return nil
}
