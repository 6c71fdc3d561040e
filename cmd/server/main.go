// Command server starts the submission intake HTTP server.
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

	"github.com/redis/go-redis/v9"

	"github.com/codeclash/exec-engine/internal/adapter/blob/minio"
	"github.com/codeclash/exec-engine/internal/adapter/httpserver"
	"github.com/codeclash/exec-engine/internal/adapter/observability"
	"github.com/codeclash/exec-engine/internal/adapter/queue/redisstream"
	"github.com/codeclash/exec-engine/internal/adapter/repo/postgres"
	"github.com/codeclash/exec-engine/internal/app"
	"github.com/codeclash/exec-engine/internal/config"
	"github.com/codeclash/exec-engine/internal/service/ratelimiter"
	"github.com/codeclash/exec-engine/internal/usecase"
)

// redisPinger adapts the redis client to the readiness Pinger shape.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
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

	ctx := context.Background()

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

	queue := redisstream.New(rdb, cfg.PoolName, cfg.QueueMaxLen)
	limiter := ratelimiter.New(rdb, map[string]ratelimiter.BucketConfig{
		ratelimiter.ClassUser:   ratelimiter.PerMinute(cfg.RateLimitUserPerMin),
		ratelimiter.ClassIP:     ratelimiter.PerMinute(cfg.RateLimitIPPerMin),
		ratelimiter.ClassGlobal: ratelimiter.PerMinute(cfg.RateLimitGlobalPerMin),
	})
	shedder := observability.NewLoadShedder(cfg.ShedThreshold, cfg.ShedRecovery)
	go feedShedder(ctx, queue, shedder)

	submitSvc := usecase.NewSubmitService(repo, blobs, queue, limiter, shedder,
		cfg.DefaultTimeoutMS, cfg.DefaultMemoryKB())
	statusSvc := usecase.NewStatusService(repo)
	srv := httpserver.NewServer(submitSvc, statusSvc)

	ready := app.NewReadiness(map[string]app.Pinger{
		"db":    pool,
		"redis": redisPinger{rdb},
		"blob":  blobs,
	})
	handler := app.BuildRouter(cfg, srv, queue, ready.Handler())

	sweeper := app.NewSweeper(repo, queue, cfg.SweepPendingAfter, cfg.MaxProcessingAge,
		cfg.SweepInterval, cfg.DefaultTimeoutMS, cfg.DefaultMemoryKB())
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("server stopped")
}

// feedShedder samples queue depth so the intake shedder reacts to backlog
// growth even though the server runs no claim loop.
func feedShedder(ctx context.Context, queue *redisstream.Queue, shedder *observability.LoadShedder) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := queue.Depth(ctx); err == nil {
				shedder.ObserveDepth(depth)
			}
		}
	}
}
