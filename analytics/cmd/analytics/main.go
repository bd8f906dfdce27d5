package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"content-pipeline/shared/authx"
	"content-pipeline/shared/cachex"
	"content-pipeline/shared/config"
	"content-pipeline/shared/dbx"
	"content-pipeline/shared/eventbus"
	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/httpx"
	"content-pipeline/shared/influxx"
	"content-pipeline/shared/jobs"
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
	"content-pipeline/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type report struct {
	ReportID string  `json:"report_id"`
	VideoID  string  `json:"video_id"`
	Kind     string  `json:"kind"`
	Score    float64 `json:"score"`
}

func main() {
	cfg, problems := config.Load("analytics", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
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
	publisher, err := eventbus.NewPublisher(elog, cfg.ServiceName, logger)
	if err != nil {
		logger.Error(context.Background(), "publisher_init_failed", "publisher init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	var dbPool *pgxpool.Pool
	var repo jobs.Repository = jobs.NewMemoryRepo()
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			logger.Error(context.Background(), "db_init_failed", "db init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer dbPool.Close()
		repo, err = jobs.NewPostgresRepo(dbPool, "analytics_jobs")
		if err != nil {
			logger.Error(context.Background(), "repo_init_failed", "job repo init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	// Jobs carry the whole envelope so one processor can score both event
	// kinds. Measurement writes are best effort; a dropped point is counted
	// and logged but does not fail the report.
	processor := func(ctx context.Context, job jobs.Job) ([]byte, error) {
		var env events.Envelope
		if err := json.Unmarshal(job.Input, &env); err != nil {
			return nil, fmt.Errorf("invalid job input: %w", err)
		}

		rep := report{ReportID: uuid.New().String(), Kind: env.Type}
		now := time.Now().UTC()
		switch env.Type {
		case events.TypeVideoRendered:
			var video events.VideoRendered
			if err := events.Decode(env, &video); err != nil {
				return nil, err
			}
			rep.VideoID = video.VideoID
			rep.Score = 50
			if influxClient != nil {
				if err := influxClient.WritePoint(ctx, "video_rendered", map[string]string{
					"video_id": video.VideoID,
				}, map[string]any{
					"voice_id": video.VoiceID,
				}, now); err != nil {
					metricsx.IncInfluxWriteFailure()
					logger.Warn(ctx, "influx_write_failed", "dropped measurement",
						slog.String("measurement", "video_rendered"),
						slog.String("error", err.Error()),
					)
				}
			}
		case events.TypeThumbnailABWinner:
			var winner events.ThumbnailABWinner
			if err := events.Decode(env, &winner); err != nil {
				return nil, err
			}
			rep.VideoID = winner.VideoID
			rep.Score = winner.ClickRate * 100
			if influxClient != nil {
				if err := influxClient.WritePoint(ctx, "thumbnail_ab", map[string]string{
					"video_id":   winner.VideoID,
					"variant_id": winner.VariantID,
				}, map[string]any{
					"click_rate":   winner.ClickRate,
					"sample_count": winner.SampleCount,
				}, now); err != nil {
					metricsx.IncInfluxWriteFailure()
					logger.Warn(ctx, "influx_write_failed", "dropped measurement",
						slog.String("measurement", "thumbnail_ab"),
						slog.String("error", err.Error()),
					)
				}
			}
		default:
			return nil, fmt.Errorf("unexpected event type %q", env.Type)
		}

		publisher.TryPublish(ctx, events.TypeAnalyticsReady, events.AnalyticsReady{
			ReportID: rep.ReportID,
			VideoID:  rep.VideoID,
			Score:    rep.Score,
		}, job.CorrelationID)
		return json.Marshal(rep)
	}

	runner, err := jobs.NewRunner(repo, processor, jobs.RunnerOptions{
		Service:   cfg.ServiceName,
		Workers:   cfg.JobWorkers,
		QueueSize: cfg.JobQueueSize,
	}, logger)
	if err != nil {
		logger.Error(context.Background(), "runner_init_failed", "job runner init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	group := cfg.StreamGroup
	if group == "" {
		group = events.GroupAnalyticsService
	}
	subscriber, err := eventbus.NewSubscriber(elog, eventbus.SubscriberOptions{
		Group:          group,
		Consumer:       cfg.StreamConsumer,
		BatchSize:      int64(cfg.StreamBatchSize),
		Block:          time.Duration(cfg.StreamBlockMS) * time.Millisecond,
		ReclaimMinIdle: time.Duration(cfg.ReclaimMinIdleSec) * time.Second,
	}, logger)
	if err != nil {
		logger.Error(context.Background(), "subscriber_init_failed", "subscriber init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	enqueueEnvelope := func(ctx context.Context, env events.Envelope) error {
		input, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = runner.Create(ctx, input, env.CorrelationID)
		return err
	}
	subscriber.Register(events.TypeVideoRendered, enqueueEnvelope)
	subscriber.Register(events.TypeThumbnailABWinner, enqueueEnvelope)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			logger.Error(context.Background(), "auth_init_failed", "jwt verifier init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := cache.Ping(r.Context()); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: redis unavailable",
				map[string]any{"problem": "redis_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	jobs.Mount(mux, runner)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipAuth := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = authx.Middleware{Verifier: verifier, Skip: skipAuth}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)

	subErrCh := make(chan error, 1)
	go func() {
		subErrCh <- subscriber.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.Bool("influx_enabled", influxClient != nil),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	case err := <-subErrCh:
		if err != nil {
			logger.Error(ctx, "subscriber_failed", "subscriber failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	runner.Stop()
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
