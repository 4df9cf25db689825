package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/veriaccess/veriaccess/internal/access"
	"github.com/veriaccess/veriaccess/internal/app"
	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/observability"
	"github.com/veriaccess/veriaccess/internal/occupancy"
	"github.com/veriaccess/veriaccess/internal/parking"
	"github.com/veriaccess/veriaccess/internal/platform/cache"
	"github.com/veriaccess/veriaccess/internal/platform/db"
	"github.com/veriaccess/veriaccess/internal/shared"
	"github.com/veriaccess/veriaccess/internal/visitor"
	"github.com/veriaccess/veriaccess/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	clock := shared.SystemClock{}
	metrics := observability.NewMetrics()

	tokens := identity.NewTokenManager(redisClient, cfg.TokenSecret, cfg.TokenTTL)
	identityRepo := identity.NewRepository(dbpool)
	identityService := identity.NewService(identityRepo, clock)
	authMiddleware := identity.Middleware{Tokens: tokens, Logger: logger}
	identityHandler := identity.NewHandler(logger, identityService, tokens, authMiddleware)

	occupancyRepo := occupancy.NewRepository(dbpool)
	occupancyCache := occupancy.NewCache(redisClient, cfg.OccupancyCacheTTL)
	occupancyService := occupancy.NewService(occupancyRepo, occupancyCache, logger)
	if err := occupancyService.EnsureExists(ctx, cfg.BuildingMaxCapacity); err != nil {
		logger.Error("seed building occupancy", slog.Any("error", err))
		os.Exit(1)
	}
	occupancyHandler := occupancy.NewHandler(logger, occupancyService, authMiddleware)

	accessRepo := access.NewRepository(dbpool)
	accessService := access.NewService(
		accessRepo,
		identityService,
		access.NewLedger(logger),
		clock,
		logger,
		access.ServiceConfig{EnforceExitPermission: cfg.EnforceExitPermission},
	).WithMetrics(metrics).WithSnapshotInvalidator(occupancyService)
	accessHandler := access.NewHandler(logger, accessService, authMiddleware, visitor.ExtractToken)

	parkingRepo := parking.NewRepository(dbpool)
	parkingService := parking.NewService(parkingRepo, clock, logger).WithMetrics(metrics)
	parkingHandler := parking.NewHandler(logger, parkingService, authMiddleware)

	visitorRepo := visitor.NewRepository(dbpool)
	visitorService := visitor.NewService(visitorRepo, clock, logger)
	visitorHandler := visitor.NewHandler(logger, visitorService, authMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, authMiddleware, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		IdentityHandler:  identityHandler,
		AccessHandler:    accessHandler,
		OccupancyHandler: occupancyHandler,
		ParkingHandler:   parkingHandler,
		VisitorHandler:   visitorHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
