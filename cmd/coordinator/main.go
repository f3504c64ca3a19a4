package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/db"
	"github.com/ratchetd/ratchet/internal/destinations"
	httpx "github.com/ratchetd/ratchet/internal/http"
	"github.com/ratchetd/ratchet/internal/auth"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/pool"
	"github.com/ratchetd/ratchet/internal/progress"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/ratelimit"
	"github.com/ratchetd/ratchet/internal/repo/postgres"
	"github.com/ratchetd/ratchet/internal/scheduler"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// tracing first so all spans/logs can attach
	shutdownTracer, err := observability.InitTracer(context.Background(), "ratchet-coordinator", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pgpool, err := db.NewPool(cfg.DBURL, int32(cfg.DBMaxConns))
	if err != nil {
		logger.ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pgpool.Close()

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.EnsureSchema(schemaCtx, pgpool)
	cancel()
	if err != nil {
		logger.ErrorContext(ctx, "schema bootstrap failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	jobsRepo := postgres.NewJobsRepo(pgpool, prom)
	tasksRepo := postgres.NewTasksRepo(pgpool, prom)
	executionsRepo := postgres.NewExecutionsRepo(pgpool, prom)
	schedulesRepo := postgres.NewSchedulesRepo(pgpool, prom)
	deliveriesRepo := postgres.NewDeliveriesRepo(pgpool, prom)

	// queue wake-ups ride redis when configured, polling otherwise
	var notifier queue.Notifier
	if cfg.RedisAddr != "" {
		rn := queue.NewRedisNotifier(queue.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rn.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "redis unavailable; falling back to polling", "err", err)
		} else {
			go rn.Run(ctx)
			defer rn.Close()
			notifier = rn
		}
	}

	q := queue.New(jobsRepo, notifier, queue.Config{})

	hub := progress.NewHub()

	dispatcher := destinations.NewDispatcher(destinations.DispatcherConfig{Env: cfg.Env}, deliveriesRepo)

	limits := ratelimit.NewDispatcher()
	submitLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMax,
		Window:      cfg.RateLimitWindow,
		Algorithm:   ratelimit.Sliding,
	})
	limits.Register("jobs.submit", submitLimiter)
	limits.Register("jobs.dispatch", ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMax,
		Window:      cfg.RateLimitWindow,
		Algorithm:   ratelimit.Sliding,
	}))
	limits.Register("destinations.test", ratelimit.New(ratelimit.Config{
		MaxRequests: 10,
		Window:      time.Minute,
		Algorithm:   ratelimit.Fixed,
	}))
	go submitLimiter.RunCleanup(ctx, 5*time.Minute, 10*time.Minute)

	workerPool := pool.New(pool.Config{
		WorkerCount:         cfg.WorkerCount,
		WorkerCommand:       strings.Fields(cfg.WorkerCommand),
		TaskTimeout:         cfg.TaskTimeout,
		RestartOnCrash:      cfg.RestartOnCrash,
		MaxRestartAttempts:  cfg.MaxRestartAttempts,
		RestartDelay:        cfg.RestartDelay,
		HealthCheckInterval: cfg.HealthCheckInterval,
		WorkerIdleTimeout:   cfg.WorkerIdleTimeout,
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
		JobTimeout:    cfg.TaskTimeout,
		Env:           cfg.Env,
	}, q, executionsRepo, tasksRepo, workerPool, scheduler.DispatchLimiter(limits), dispatcher, hub)

	workerPool.OnProgress(sched.HandleProgress)

	if err := workerPool.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "worker pool start failed", "err", err)
		os.Exit(1)
	}
	defer workerPool.Stop()

	firer := scheduler.NewScheduleFirer(schedulesRepo, q, cfg.ScheduleTick)

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.ErrorContext(ctx, "scheduler stopped", "err", err)
		}
	}()
	go firer.Run(ctx)
	go sched.LogMetricsLoop(ctx, 30*time.Second)

	// return stuck processing jobs to the queue after a coordinator crash
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				n, err := jobsRepo.RequeueStaleProcessing(hctx, cfg.StaleJobTTL)
				cancel()
				if err != nil {
					logger.ErrorContext(ctx, "requeue stale failed", "err", err)
					continue
				}
				if n > 0 {
					logger.WarnContext(ctx, "requeued stale processing jobs", "count", n)
				}
			}
		}
	}()

	router := httpx.NewRouter(httpx.Deps{
		Log:        logger,
		DB:         pgpool,
		Queue:      q,
		Jobs:       jobsRepo,
		Tasks:      tasksRepo,
		Executions: executionsRepo,
		Deliveries: deliveriesRepo,
		Schedules:  schedulesRepo,
		Validator:  scheduler.NewPoolValidator(workerPool),
		Pool:       workerPool,
		Hub:        hub,
		Dispatcher: dispatcher,
		Limits:     limits,
		JWT:        auth.NewManager(cfg.JWTSecret, time.Hour),
		Prom:       prom,
		PromReg:    reg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("coordinator starting", "addr", srv.Addr, "env", cfg.Env, "workers", cfg.WorkerCount)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutdown signal received")

	shutdownContext, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFunc()

	if err := srv.Shutdown(shutdownContext); err != nil {
		logger.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close() // last resort
	} else {
		logger.Info("server stopped gracefully.")
	}
}
