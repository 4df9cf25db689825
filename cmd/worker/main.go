package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/veriaccess/veriaccess/internal/access"
	"github.com/veriaccess/veriaccess/internal/app"
	jobmetrics "github.com/veriaccess/veriaccess/internal/jobs"
	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
	"github.com/veriaccess/veriaccess/internal/visitor"
	"github.com/veriaccess/veriaccess/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	visitorRepo := visitor.NewRepository(pool)
	visitorService := visitor.NewService(visitorRepo, shared.SystemClock{}, logger)
	checkoutJob := jobs.NewAutoCheckoutJob(visitorService, logger, metrics)

	accessRepo := access.NewRepository(pool)
	retentionJob := jobs.NewLogRetentionJob(accessRepo, cfg.AccessLogRetention, logger, metrics)

	checkoutTask, err := jobs.NewAutoCheckoutTask(jobs.AutoCheckoutPayload{})
	if err != nil {
		logger.Error("build auto checkout task", slog.Any("error", err))
		os.Exit(1)
	}
	retentionTask, err := jobs.NewLogRetentionTask(jobs.LogRetentionPayload{})
	if err != nil {
		logger.Error("build log retention task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskVisitorAutoCheckout, Handler: checkoutJob.Handle},
			{Type: jobs.TaskAccessLogRetention, Handler: retentionJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: checkoutTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
