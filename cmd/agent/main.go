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
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nestguard/nestguard/internal/app"
	"github.com/nestguard/nestguard/internal/binding"
	"github.com/nestguard/nestguard/internal/dirclient"
	"github.com/nestguard/nestguard/internal/guard"
	"github.com/nestguard/nestguard/internal/restriction"
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
	"github.com/nestguard/nestguard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping agent startup")
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	store := statestore.New(redisClient, "device")
	deviceID, err := resolveDeviceID(ctx, cfg, store)
	if err != nil {
		logger.Error("resolve device id", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logger.With(slog.String("device_id", deviceID))

	dir := dirclient.New(cfg.DirectoryURL, cfg.DirectoryTimeout)
	householdCtx := guard.NewHouseholdContext(dir, store, logger)
	if err := householdCtx.Restore(ctx); err != nil {
		logger.Warn("restore binding", slog.Any("error", err))
	}

	targets := restriction.NewTargetStore(store)
	enforcer := restriction.NewLogEnforcer(logger)
	monitor := restriction.NewMonitor(targets, householdCtx, enforcer, logger)

	activityJob := jobs.NewActivityEventJob(monitor)
	syncJob := jobs.NewTargetSyncJob(dir, householdCtx, targets, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	syncNow := func(ctx context.Context) error {
		_, err := jobsClient.EnqueueTargetSync(ctx)
		return err
	}

	// Catch up after downtime: a device that was off while the guardian
	// changed targets should not wait a full sync interval.
	if householdCtx.State() == guard.StateBound {
		if err := syncNow(ctx); err != nil {
			logger.Warn("enqueue startup target sync", slog.Any("error", err))
		}
	}

	bindingHandler := binding.NewHandler(logger, func(dependentPath bool) *binding.Protocol {
		return binding.New(dir, householdCtx, store, logger, deviceID, dependentPath, syncNow)
	})
	inspector := asynq.NewInspector(redisOpts)
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := chi.NewRouter()
	bindingHandler.MountRoutes(router)
	router.Route("/jobs", jobsHandler.MountRoutes)

	httpServer := &http.Server{
		Addr:         cfg.AgentAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	go func() {
		logger.Info("agent api listening", slog.String("addr", cfg.AgentAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("agent api stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("agent api shutdown", slog.Any("error", err))
		}
	}()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIntervalStart, Handler: activityJob.HandleIntervalStart},
			{Type: jobs.TaskIntervalEnd, Handler: activityJob.HandleIntervalEnd},
			{Type: jobs.TaskThresholdReached, Handler: activityJob.HandleThreshold},
			{Type: jobs.TaskTargetSync, Handler: syncJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.TargetSyncEvery.String(), Task: jobs.NewTargetSyncTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting device agent")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("agent shut down")
}

// resolveDeviceID prefers the configured id, then the persisted one, and
// mints a new id on first run so the device keeps a stable identity across
// restarts.
func resolveDeviceID(ctx context.Context, cfg *app.Config, store *statestore.Store) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	data, err := store.Get(ctx, "device_id")
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return "", err
	}
	id := uuid.NewString()
	if err := store.Set(ctx, "device_id", []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
