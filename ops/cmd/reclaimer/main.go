package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-pipeline/shared/cachex"
	"content-pipeline/shared/config"
	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/lockx"
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
	"content-pipeline/shared/observability"
)

const (
	taskStreamReclaim = "stream.reclaim"
	reclaimLockKey    = "lock:stream-reclaim"
	reclaimConsumer   = "reclaimer"
)

func main() {
	cfg, problems := config.Load("reclaimer", 8086)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	elog, err := eventlog.NewRedisLog(cache.Client(), cfg.StreamName, cfg.StreamMaxLen)
	if err != nil {
		logger.Error(context.Background(), "eventlog_init_failed", "event log init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	minIdle := time.Duration(cfg.ReclaimMinIdleSec) * time.Second
	lockTTL := time.Duration(cfg.ReclaimScanSec) * time.Second

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskStreamReclaim, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "stream.reclaim")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		// Subscribers reclaim their own group at startup; this sweep is the
		// backstop that clears entries whose whole deployment went away.
		// One instance runs it at a time.
		lock, acquired, err := lockx.Acquire(ctx, cache.Client(), reclaimLockKey, lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer func() { _ = lockx.Release(ctx, cache.Client(), lock) }()

		for _, group := range events.KnownGroups() {
			total := 0
			for {
				reclaimed, err := elog.Reclaim(ctx, group, reclaimConsumer, minIdle, int64(cfg.StreamBatchSize))
				if err != nil {
					logger.Error(ctx, "reclaim_failed", "reclaim sweep failed",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("group", group),
						slog.String("error", err.Error()),
					)
					break
				}
				if len(reclaimed) == 0 {
					break
				}
				ids := make([]string, 0, len(reclaimed))
				for _, entry := range reclaimed {
					ids = append(ids, entry.ID)
				}
				if err := elog.Ack(ctx, group, ids...); err != nil {
					logger.Error(ctx, "reclaim_ack_failed", "failed to ack abandoned entries",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("group", group),
						slog.String("error", err.Error()),
					)
					break
				}
				total += len(reclaimed)
			}
			if total > 0 {
				metricsx.AddReclaimedEntries(group, total)
				logger.Warn(ctx, "entries_abandoned", "acked abandoned pending entries",
					slog.String("group", group),
					slog.Int("count", total),
					slog.Int("min_idle_seconds", cfg.ReclaimMinIdleSec),
				)
			}
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ReclaimScanSec)+"s", asynq.NewTask(taskStreamReclaim, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "reclaimer started",
			slog.String("queue", cfg.AsynqQueue),
			slog.String("stream", cfg.StreamName),
			slog.Int("scan_interval_seconds", cfg.ReclaimScanSec),
			slog.Int("min_idle_seconds", cfg.ReclaimMinIdleSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "reclaimer stopped")
}
