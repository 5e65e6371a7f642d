package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nimbus-cloud/nimbus-console/internal/app"
	"github.com/nimbus-cloud/nimbus-console/internal/authsvc"
	"github.com/nimbus-cloud/nimbus-console/internal/gateway"
	"github.com/nimbus-cloud/nimbus-console/internal/platform/cache"
	"github.com/nimbus-cloud/nimbus-console/internal/platform/db"
	"github.com/nimbus-cloud/nimbus-console/internal/platform/kv"
	"github.com/nimbus-cloud/nimbus-console/internal/session"
	"github.com/nimbus-cloud/nimbus-console/jobs"
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

	store, cleanup, err := newStateStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	authClient := authsvc.NewClient(cfg.AuthServerURL, logger)
	manager := session.NewManager(authClient, store, logger, session.SinkFunc(func(ev session.Event) {
		logger.Info("session event",
			slog.String("kind", string(ev.Kind)),
			slog.String("user_id", ev.UserID),
			slog.String("tenant_id", ev.TenantID))
	}), session.Config{
		PermissiveWhenUnconfigured: cfg.PermissiveUnconfigured,
		FallbackTenantID:           cfg.FallbackTenantID,
	})

	if err := manager.Init(ctx); err != nil {
		logger.Warn("session init", slog.Any("error", err))
	}

	sessionHandler := gateway.NewHandler(logger, manager)

	// The probe must refresh the same manager the HTTP handlers serve, so the
	// worker runs inside this process: asynq-backed when Redis is configured,
	// a plain ticker otherwise.
	var jobHandler *jobs.Handler
	if cfg.StateStore == app.StoreRedis {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()

		jobsClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("jobs client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, jobsClient, logger)

		probeTask, err := jobs.NewConnectionProbeTask()
		if err != nil {
			logger.Error("build probe task", slog.Any("error", err))
			os.Exit(1)
		}
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: redisOpts,
			Logger:    logger,
			Handlers: []jobs.TaskHandler{
				{Type: jobs.TaskTypeConnectionProbe, Handler: jobs.NewConnectionProbeHandler(manager, logger)},
			},
			Cron: []jobs.CronRegistration{
				{Spec: fmt.Sprintf("@every %s", cfg.ProbeInterval), Task: probeTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
			},
		})
		if err != nil {
			logger.Error("build worker", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job worker", slog.Any("error", err))
			}
		}()
	} else {
		go jobs.RunProbeLoop(ctx, manager, cfg.ProbeInterval, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionHandler: sessionHandler,
		JobHandler:     jobHandler,
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

func newStateStore(ctx context.Context, cfg *app.Config, logger *slog.Logger) (kv.Store, func(), error) {
	switch cfg.StateStore {
	case app.StoreRedis:
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
		return kv.NewRedis(client, cfg.RedisStateTTL), cleanup, nil
	case app.StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return kv.NewPostgres(pool), pool.Close, nil
	case app.StoreFile:
		store, err := kv.NewFile(cfg.StateFilePath, cfg.StateFileSecret)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return kv.NewMemory(), func() {}, nil
	}
}
