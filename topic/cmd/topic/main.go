package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
	"content-pipeline/shared/observability"
	"content-pipeline/topic/internal/middleware"
	"content-pipeline/topic/internal/models"
	"content-pipeline/topic/internal/repos"
)

const maxBodyBytes = 1 << 20

const topicCacheTTL = 30 * time.Second

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type createTopicRequest struct {
	Title   string `json:"title"`
	Channel string `json:"channel,omitempty"`
	Source  string `json:"source,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("topic", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
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

	topicsRepo := repos.NewTopicsRepo(dbPool)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
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
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
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

	mux.HandleFunc("POST /api/v1/topics", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCreateTopic(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		topic, err := topicsRepo.CreateTopic(r.Context(), req.Title, req.Channel, req.Source)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create topic", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, topic)
	})
	mux.HandleFunc("GET /api/v1/topics", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		topics, err := topicsRepo.ListTopics(r.Context(), status, limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list topics", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"topics": topics})
	})
	mux.HandleFunc("GET /api/v1/topics/{id}", func(w http.ResponseWriter, r *http.Request) {
		topicID, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid topic id", nil)
			return
		}
		cacheKey := "topic:" + topicID.String()
		var cached models.Topic
		if found, err := cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && found {
			httpx.WriteJSON(w, http.StatusOK, cached)
			return
		}
		topic, err := topicsRepo.GetTopic(r.Context(), topicID)
		if err != nil {
			writeTopicError(w, r, err)
			return
		}
		_ = cache.SetJSON(r.Context(), cacheKey, topic, topicCacheTTL)
		httpx.WriteJSON(w, http.StatusOK, topic)
	})
	mux.HandleFunc("POST /api/v1/topics/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		topicID, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid topic id", nil)
			return
		}
		topic, err := topicsRepo.SetStatus(r.Context(), topicID, models.TopicStatusApproved)
		if err != nil {
			writeTopicError(w, r, err)
			return
		}
		_ = cache.Delete(r.Context(), "topic:"+topicID.String())
		publisher.TryPublish(r.Context(), events.TypeTopicApproved, events.TopicApproved{
			TopicID: topic.TopicID.String(),
			Title:   topic.Title,
			Channel: topic.Channel,
		}, topic.TopicID.String())
		httpx.WriteJSON(w, http.StatusOK, topic)
	})
	mux.HandleFunc("POST /api/v1/topics/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		topicID, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid topic id", nil)
			return
		}
		topic, err := topicsRepo.SetStatus(r.Context(), topicID, models.TopicStatusRejected)
		if err != nil {
			writeTopicError(w, r, err)
			return
		}
		_ = cache.Delete(r.Context(), "topic:"+topicID.String())
		httpx.WriteJSON(w, http.StatusOK, topic)
	})

	// Diagnostic cursor read over the raw log, independent of any group.
	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		after := strings.TrimSpace(r.URL.Query().Get("after"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 100 {
			limit = 100
		}
		start := ""
		if after != "" {
			start = "(" + after
		}
		entries, err := elog.Range(r.Context(), start, "", int64(limit))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read event log", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipAuth := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = authx.Middleware{Verifier: verifier, Skip: skipAuth}.Wrap(handler)
	handler = middleware.RateLimit{Limiter: middleware.NewClientLimiter(10, 20, 2*time.Minute), Skip: skipAuth}.Wrap(handler)
	handler = middleware.CORS{AllowedOrigins: corsOrigins(), MaxAge: 10 * time.Minute}.Wrap(handler)
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("stream", cfg.StreamName),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func corsOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func decodeCreateTopic(r *http.Request) (createTopicRequest, error) {
	if r.Body == nil {
		return createTopicRequest{}, errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	var req createTopicRequest
	if err := dec.Decode(&req); err != nil {
		return createTopicRequest{}, errors.New("invalid json body")
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Channel = strings.TrimSpace(req.Channel)
	req.Source = strings.TrimSpace(req.Source)
	if req.Title == "" {
		return createTopicRequest{}, errors.New("title is required")
	}
	return req, nil
}

func writeTopicError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repos.ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "topic not found", nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "topic operation failed", nil)
}
