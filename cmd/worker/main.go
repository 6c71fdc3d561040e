// Command worker claims submission jobs from the stream and executes them
// inside sandbox containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/codeclash/exec-engine/internal/adapter/blob/minio"
	"github.com/codeclash/exec-engine/internal/adapter/observability"
	"github.com/codeclash/exec-engine/internal/adapter/queue/redisstream"
	"github.com/codeclash/exec-engine/internal/adapter/repo/postgres"
	"github.com/codeclash/exec-engine/internal/adapter/runtime/docker"
	"github.com/codeclash/exec-engine/internal/app"
	"github.com/codeclash/exec-engine/internal/config"
	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/harness"
	"github.com/codeclash/exec-engine/internal/judge"
	"github.com/codeclash/exec-engine/internal/worker"
)

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	repo := postgres.NewSubmissionRepo(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	blobs, err := minio.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	runtime, err := docker.New(cfg.RuntimeSocket)
	if err != nil {
		slog.Error("container runtime connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := runtime.Ping(ctx); err != nil {
		slog.Error("container runtime unreachable", slog.Any("error", err))
		os.Exit(1)
	}

	plans, err := harness.LoadPlans()
	if err != nil {
		slog.Error("language plans invalid", slog.Any("error", err))
		os.Exit(1)
	}
	sandbox := harness.New(runtime, plans, cfg.WorkspaceBase)

	judger, err := judge.New(judge.DefaultConfig())
	if err != nil {
		slog.Error("judge init failed", slog.Any("error", err))
		os.Exit(1)
	}

	queue := redisstream.New(rdb, cfg.PoolName, cfg.QueueMaxLen)
	shedder := observability.NewLoadShedder(cfg.ShedThreshold, cfg.ShedRecovery)

	maxAttempts, base, max := cfg.RetryPolicy()
	handler := worker.NewHandler(cfg.PoolName, repo, blobs, queue, sandbox, judger, domain.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
	})
	poller := redisstream.NewAdaptivePoller(cfg.PollInterval(), 10*cfg.PollInterval())
	sup := worker.NewSupervisor(cfg.PoolName, queue, handler, cfg.MaxConcurrentJobs, poller, shedder)

	live := app.NewReadiness(map[string]app.Pinger{
		"db":      pool,
		"redis":   redisPinger{rdb},
		"runtime": runtime,
	})
	ready := app.NewReadiness(map[string]app.Pinger{
		"db":      pool,
		"redis":   redisPinger{rdb},
		"blob":    blobs,
		"runtime": runtime,
	})
	go serveHealth(cfg.HealthPort, live, ready)

	go sup.Run(ctx)
	slog.Info("worker started", slog.String("pool", cfg.PoolName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, draining", slog.String("signal", sig.String()))

	cancel()
	if !sup.Drain(cfg.WorkerDrainTimeout) {
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// serveHealth exposes liveness, readiness and metrics on the side port.
// Liveness probes db, redis and the runtime; readiness additionally probes
// the blob store.
func serveHealth(port int, live, ready *app.Readiness) {
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), healthMux(live, ready)); err != nil {
		slog.Error("health server error", slog.Any("error", err))
	}
}

func healthMux(live, ready *app.Readiness) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", live.Handler())
	mux.HandleFunc("/readyz", ready.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
