package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-social/inkwell/internal/app"
	"github.com/inkwell-social/inkwell/internal/audit"
	"github.com/inkwell-social/inkwell/internal/authz"
	"github.com/inkwell-social/inkwell/internal/platform/cache"
	"github.com/inkwell-social/inkwell/internal/platform/db"
	"github.com/inkwell-social/inkwell/internal/roles"
	"github.com/inkwell-social/inkwell/jobs"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	rolesRepo := roles.NewRepository(pool)
	rolesSvc := roles.NewService(rolesRepo)

	dispatcher := audit.NewDispatcher(audit.LogRecorder{Logger: logger}, cfg.AuditBuffer, logger)
	defer dispatcher.Close()

	engine, err := authz.NewEngine(authz.Config{
		Repository:      authz.NewPostgresRepository(pool),
		Membership:      rolesSvc,
		Audit:           dispatcher,
		Logger:          logger,
		MutationTimeout: cfg.MutationTimeout,
	})
	if err != nil {
		logger.Error("init authz engine", slog.Any("error", err))
		os.Exit(1)
	}
	if err := engine.Load(ctx); err != nil {
		logger.Error("load authz state", slog.Any("error", err))
		os.Exit(1)
	}

	warmupJob := jobs.NewCacheWarmupJob(engine, pool, logger, nil)
	auditJob := jobs.NewAuditEventJob(dispatcher, logger)

	warmupTask, err := jobs.NewCacheWarmupTask(cfg.WarmupWindow, cfg.WarmupLimit)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuthzAuditEvent, Handler: auditJob.Handle},
			{Type: jobs.TaskAuthzCacheWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	subscriber := authz.NewSubscriber(redisClient, cfg.InvalidationChannel, engine, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		_ = inspector.Close()
	}()
	router := chi.NewRouter()
	jobs.NewHandler(inspector, logger).MountRoutes(router)
	healthSrv := &http.Server{
		Addr:         cfg.WorkerHealthAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(gctx)
	})
	group.Go(func() error {
		return subscriber.Run(gctx)
	})
	group.Go(func() error {
		err := healthSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
