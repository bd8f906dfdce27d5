package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"content-pipeline/shared/cachex"
	"content-pipeline/shared/config"
	"content-pipeline/shared/eventbus"
	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/httpx"
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
	"content-pipeline/shared/mqx"
	"content-pipeline/shared/observability"
)

// One acknowledgment event per this many warehoused topic ideas. The counter
// lives in Redis so restarts and competing instances share one batch sequence.
const (
	ideaBatchSize = 50
	ideaCountKey  = "export:idea_count"
)

type kafkaWriter interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type batchCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// exportHandler republishes every envelope to the warehouse topic and emits
// one competitor.idea_exported acknowledgment per completed batch of
// warehoused topic ideas.
func exportHandler(producer kafkaWriter, publisher *eventbus.Publisher, counter batchCounter, exportTopic string, logger logx.Logger) eventbus.Handler {
	return func(ctx context.Context, env events.Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		key := env.CorrelationID
		if key == "" {
			key = env.Type
		}
		headers := map[string]string{
			"event_type":  env.Type,
			"source":      env.Source,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := producer.Publish(ctx, exportTopic, []byte(key), data, headers); err != nil {
			metricsx.IncExportFailure()
			return err
		}

		// topic.approved entries are the exported idea feed; acknowledge
		// each full batch so downstream import jobs can reconcile counts.
		if env.Type == events.TypeTopicApproved {
			n, err := counter.Incr(ctx, ideaCountKey)
			if err != nil {
				logger.Warn(ctx, "idea_count_failed", "failed to advance idea batch counter",
					slog.String("error", err.Error()),
				)
			} else if n%ideaBatchSize == 0 {
				publisher.TryPublish(ctx, events.TypeCompetitorIdeaExported, events.CompetitorIdeaExported{
					BatchID: uuid.New().String(),
					Count:   ideaBatchSize,
				}, "")
			}
		}
		return nil
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("export", 8085)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
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

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	group := cfg.StreamGroup
	if group == "" {
		group = events.GroupExportBridge
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

	export := exportHandler(producer, publisher, cache, cfg.ExportTopic, logger)
	for _, eventType := range []string{
		events.TypeTopicApproved,
		events.TypeScriptGenerated,
		events.TypeScriptApproved,
		events.TypeVoiceSynthesized,
		events.TypeVideoRendered,
		events.TypeThumbnailABWinner,
		events.TypeAnalyticsReady,
	} {
		subscriber.Register(eventType, export)
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

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
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

	subErrCh := make(chan error, 1)
	go func() {
		subErrCh <- subscriber.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("export_topic", cfg.ExportTopic),
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
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
