package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StreamName        string
	StreamMaxLen      int64
	StreamGroup       string
	StreamConsumer    string
	StreamBatchSize   int
	StreamBlockMS     int
	ReclaimMinIdleSec int

	JobWorkers   int
	JobQueueSize int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	ReclaimScanSec   int

	KafkaBrokers  []string
	KafkaClientID string
	ExportTopic   string
	KafkaRetryMax int
	KafkaWriteMS  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	LLMServiceURL    string
	TTSServiceURL    string
	RenderServiceURL string
	ClientTimeoutMS  int
	ClientRetryMax   int
	VoiceLanguages   []string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:               envRaw,
		ServiceName:       serviceNameDefault,
		HTTPPort:          httpPortDefault,
		LogLevel:          "info",
		ConfigPath:        strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:  30000,
		OIDCIssuer:        strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:      strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:       strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:    300,
		JWTClockSkewSec:   60,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:        10,
		DBMinConns:        1,
		DBConnMaxIdleSec:  300,
		DBConnMaxLifeSec:  1800,
		StreamName:        "pipeline.events",
		StreamMaxLen:      10000,
		StreamBatchSize:   16,
		StreamBlockMS:     5000,
		ReclaimMinIdleSec: 300,
		JobWorkers:        4,
		JobQueueSize:      64,
		AsynqQueue:        "default",
		AsynqConcurrency:  10,
		ReclaimScanSec:    60,
		ExportTopic:       "pipeline.export",
		KafkaRetryMax:     5,
		KafkaWriteMS:      5000,
		InfluxTimeoutMS:   5000,
		ClientTimeoutMS:   30000,
		ClientRetryMax:    2,
		VoiceLanguages:    []string{"en"},
		OtelInsecure:      true,
		OtelSampleRatio:   1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if strings.TrimSpace(cfg.StreamName) == "" {
		problems = append(problems, Problem{Field: "EVENT_STREAM", Message: "EVENT_STREAM must not be empty"})
		cfg.StreamName = "pipeline.events"
	}
	if cfg.StreamMaxLen <= 0 {
		problems = append(problems, Problem{Field: "EVENT_STREAM_MAXLEN", Message: "EVENT_STREAM_MAXLEN must be > 0"})
		cfg.StreamMaxLen = 10000
	}
	if strings.TrimSpace(cfg.StreamConsumer) == "" {
		host, _ := os.Hostname()
		if strings.TrimSpace(host) == "" {
			host = "local"
		}
		cfg.StreamConsumer = cfg.ServiceName + "-" + host
	}
	if cfg.StreamBatchSize <= 0 {
		problems = append(problems, Problem{Field: "EVENT_STREAM_BATCH_SIZE", Message: "EVENT_STREAM_BATCH_SIZE must be > 0"})
		cfg.StreamBatchSize = 16
	}
	if cfg.StreamBlockMS <= 0 {
		problems = append(problems, Problem{Field: "EVENT_STREAM_BLOCK_MS", Message: "EVENT_STREAM_BLOCK_MS must be > 0"})
		cfg.StreamBlockMS = 5000
	}
	if cfg.ReclaimMinIdleSec <= 0 {
		problems = append(problems, Problem{Field: "RECLAIM_MIN_IDLE_SECONDS", Message: "RECLAIM_MIN_IDLE_SECONDS must be > 0"})
		cfg.ReclaimMinIdleSec = 300
	}
	if cfg.JobWorkers <= 0 {
		problems = append(problems, Problem{Field: "JOB_WORKERS", Message: "JOB_WORKERS must be > 0"})
		cfg.JobWorkers = 4
	}
	if cfg.JobQueueSize <= 0 {
		problems = append(problems, Problem{Field: "JOB_QUEUE_SIZE", Message: "JOB_QUEUE_SIZE must be > 0"})
		cfg.JobQueueSize = 64
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.ReclaimScanSec <= 0 {
		problems = append(problems, Problem{Field: "RECLAIM_SCAN_INTERVAL_SECONDS", Message: "RECLAIM_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.ReclaimScanSec = 60
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.ClientTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "CLIENT_TIMEOUT_MS", Message: "CLIENT_TIMEOUT_MS must be > 0"})
		cfg.ClientTimeoutMS = 30000
	}
	if cfg.ClientRetryMax < 0 {
		problems = append(problems, Problem{Field: "CLIENT_RETRY_MAX", Message: "CLIENT_RETRY_MAX must be >= 0"})
		cfg.ClientRetryMax = 2
	}
	if len(cfg.VoiceLanguages) == 0 {
		problems = append(problems, Problem{Field: "VOICE_LANGUAGES", Message: "VOICE_LANGUAGES must not be empty"})
		cfg.VoiceLanguages = []string{"en"}
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	applyEnvInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	applyEnvInt(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	applyEnvInt(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)
	applyEnvInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	applyEnvInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	applyEnvInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	applyEnvInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)
	applyEnvInt(problems, "REDIS_DB", &cfg.RedisDB)
	applyEnvInt(problems, "EVENT_STREAM_BATCH_SIZE", &cfg.StreamBatchSize)
	applyEnvInt(problems, "EVENT_STREAM_BLOCK_MS", &cfg.StreamBlockMS)
	applyEnvInt(problems, "RECLAIM_MIN_IDLE_SECONDS", &cfg.ReclaimMinIdleSec)
	applyEnvInt(problems, "JOB_WORKERS", &cfg.JobWorkers)
	applyEnvInt(problems, "JOB_QUEUE_SIZE", &cfg.JobQueueSize)
	applyEnvInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	applyEnvInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	applyEnvInt(problems, "RECLAIM_SCAN_INTERVAL_SECONDS", &cfg.ReclaimScanSec)
	applyEnvInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	applyEnvInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	applyEnvInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)
	applyEnvInt(problems, "CLIENT_TIMEOUT_MS", &cfg.ClientTimeoutMS)
	applyEnvInt(problems, "CLIENT_RETRY_MAX", &cfg.ClientRetryMax)

	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.OIDCIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")); v != "" {
		cfg.OIDCAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.RedisPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENT_STREAM")); v != "" {
		cfg.StreamName = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENT_STREAM_MAXLEN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err != nil {
			*problems = append(*problems, Problem{Field: "EVENT_STREAM_MAXLEN", Message: "EVENT_STREAM_MAXLEN must be an integer"})
		} else {
			cfg.StreamMaxLen = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EVENT_STREAM_GROUP")); v != "" {
		cfg.StreamGroup = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENT_STREAM_CONSUMER")); v != "" {
		cfg.StreamConsumer = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")); v != "" {
		cfg.AsynqRedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_PASSWORD")); v != "" {
		cfg.AsynqRedisPass = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("EXPORT_KAFKA_TOPIC")); v != "" {
		cfg.ExportTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_TOKEN")); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_SERVICE_URL")); v != "" {
		cfg.LLMServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TTS_SERVICE_URL")); v != "" {
		cfg.TTSServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RENDER_SERVICE_URL")); v != "" {
		cfg.RenderServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VOICE_LANGUAGES")); v != "" {
		cfg.VoiceLanguages = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_ENABLED", Message: "OTEL_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelInsecure = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_EXPORTER_OTLP_INSECURE", Message: "OTEL_EXPORTER_OTLP_INSECURE must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyEnvInt(problems *[]Problem, key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			applyString(v, &cfg.ServiceName)
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			applyString(v, &cfg.LogLevel)
		case "REQUEST_TIMEOUT_MS":
			applyMapInt(problems, key, v, &cfg.RequestTimeoutMS)
		case "OIDC_ISSUER":
			applyString(v, &cfg.OIDCIssuer)
		case "OIDC_AUDIENCE":
			applyString(v, &cfg.OIDCAudience)
		case "OIDC_JWKS_URL":
			applyString(v, &cfg.OIDCJWKSURL)
		case "JWKS_CACHE_TTL_SECONDS":
			applyMapInt(problems, key, v, &cfg.JWKSTTLSeconds)
		case "JWT_CLOCK_SKEW_SECONDS":
			applyMapInt(problems, key, v, &cfg.JWTClockSkewSec)
		case "DATABASE_URL":
			applyString(v, &cfg.DatabaseURL)
		case "DB_MAX_CONNS":
			applyMapInt(problems, key, v, &cfg.DBMaxConns)
		case "DB_MIN_CONNS":
			applyMapInt(problems, key, v, &cfg.DBMinConns)
		case "DB_CONN_MAX_IDLE_SECONDS":
			applyMapInt(problems, key, v, &cfg.DBConnMaxIdleSec)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			applyMapInt(problems, key, v, &cfg.DBConnMaxLifeSec)
		case "REDIS_ADDR":
			applyString(v, &cfg.RedisAddr)
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			applyMapInt(problems, key, v, &cfg.RedisDB)
		case "EVENT_STREAM":
			applyString(v, &cfg.StreamName)
		case "EVENT_STREAM_MAXLEN":
			n, ok := asInt(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			} else {
				cfg.StreamMaxLen = int64(n)
			}
		case "EVENT_STREAM_GROUP":
			applyString(v, &cfg.StreamGroup)
		case "EVENT_STREAM_CONSUMER":
			applyString(v, &cfg.StreamConsumer)
		case "EVENT_STREAM_BATCH_SIZE":
			applyMapInt(problems, key, v, &cfg.StreamBatchSize)
		case "EVENT_STREAM_BLOCK_MS":
			applyMapInt(problems, key, v, &cfg.StreamBlockMS)
		case "RECLAIM_MIN_IDLE_SECONDS":
			applyMapInt(problems, key, v, &cfg.ReclaimMinIdleSec)
		case "JOB_WORKERS":
			applyMapInt(problems, key, v, &cfg.JobWorkers)
		case "JOB_QUEUE_SIZE":
			applyMapInt(problems, key, v, &cfg.JobQueueSize)
		case "ASYNQ_REDIS_ADDR":
			applyString(v, &cfg.AsynqRedisAddr)
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			applyMapInt(problems, key, v, &cfg.AsynqRedisDB)
		case "ASYNQ_QUEUE":
			applyString(v, &cfg.AsynqQueue)
		case "ASYNQ_CONCURRENCY":
			applyMapInt(problems, key, v, &cfg.AsynqConcurrency)
		case "RECLAIM_SCAN_INTERVAL_SECONDS":
			applyMapInt(problems, key, v, &cfg.ReclaimScanSec)
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			applyString(v, &cfg.KafkaClientID)
		case "EXPORT_KAFKA_TOPIC":
			applyString(v, &cfg.ExportTopic)
		case "KAFKA_RETRY_MAX":
			applyMapInt(problems, key, v, &cfg.KafkaRetryMax)
		case "KAFKA_WRITE_TIMEOUT_MS":
			applyMapInt(problems, key, v, &cfg.KafkaWriteMS)
		case "INFLUX_URL":
			applyString(v, &cfg.InfluxURL)
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			applyString(v, &cfg.InfluxOrg)
		case "INFLUX_BUCKET":
			applyString(v, &cfg.InfluxBucket)
		case "INFLUX_TIMEOUT_MS":
			applyMapInt(problems, key, v, &cfg.InfluxTimeoutMS)
		case "LLM_SERVICE_URL":
			applyString(v, &cfg.LLMServiceURL)
		case "TTS_SERVICE_URL":
			applyString(v, &cfg.TTSServiceURL)
		case "RENDER_SERVICE_URL":
			applyString(v, &cfg.RenderServiceURL)
		case "CLIENT_TIMEOUT_MS":
			applyMapInt(problems, key, v, &cfg.ClientTimeoutMS)
		case "CLIENT_RETRY_MAX":
			applyMapInt(problems, key, v, &cfg.ClientRetryMax)
		case "VOICE_LANGUAGES":
			if s, ok := v.(string); ok {
				cfg.VoiceLanguages = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.VoiceLanguages = parseAnyCSV(arr)
			}
		case "OTEL_ENABLED":
			applyMapBool(problems, key, v, &cfg.OtelEnabled)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			applyString(v, &cfg.OtelEndpoint)
		case "OTEL_EXPORTER_OTLP_INSECURE":
			applyMapBool(problems, key, v, &cfg.OtelInsecure)
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			}
		}
	}
}

func applyString(v any, dst *string) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		*dst = strings.TrimSpace(s)
	}
}

func applyMapInt(problems *[]Problem, key string, v any, dst *int) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func applyMapBool(problems *[]Problem, key string, v any, dst *bool) {
	if s, ok := v.(string); ok {
		if b, ok := asBool(s); ok {
			*dst = b
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	if b, ok := v.(bool); ok {
		*dst = b
		return
	}
	*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
