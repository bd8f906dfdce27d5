//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"content-pipeline/shared/eventbus"
	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/logx"
)

// TestEventLogRoundTrip publishes one envelope through the real Redis stream
// and reads it back through a fresh consumer group.
func TestEventLogRoundTrip(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	stream := fmt.Sprintf("pipeline.events.test.%d", time.Now().UnixNano())
	defer client.Del(context.Background(), stream)

	elog, err := eventlog.NewRedisLog(client, stream, 100)
	if err != nil {
		t.Fatalf("event log init failed: %v", err)
	}
	if err := elog.EnsureGroup(ctx, events.GroupScriptService); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	logger := logx.New("integration", "test", "test", "error")
	pub, err := eventbus.NewPublisher(elog, "integration", logger)
	if err != nil {
		t.Fatalf("publisher init failed: %v", err)
	}
	entryID, err := pub.Publish(ctx, events.TypeTopicApproved, events.TopicApproved{
		TopicID: "11111111-1111-1111-1111-111111111111",
		Title:   "integration check",
	}, "corr-integration")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	entries, err := elog.ReadGroup(ctx, events.GroupScriptService, "integration-test", 10, time.Second)
	if err != nil {
		t.Fatalf("read group failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != entryID {
		t.Fatalf("entry id mismatch: %s vs %s", entries[0].ID, entryID)
	}
	if entries[0].Fields["type"] != events.TypeTopicApproved {
		t.Fatalf("unexpected type field: %q", entries[0].Fields["type"])
	}
	var topic events.TopicApproved
	if err := json.Unmarshal([]byte(entries[0].Fields["payload"]), &topic); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if topic.Title != "integration check" {
		t.Fatalf("unexpected payload title: %q", topic.Title)
	}

	if err := elog.Ack(ctx, events.GroupScriptService, entries[0].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	again, err := elog.ReadGroup(ctx, events.GroupScriptService, "integration-test", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no entries after ack, got %d", len(again))
	}
}

// TestDependencies checks reachability of the remaining backends the
// services depend on. Each backend is skipped when its env var is unset.
func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("postgres", func(t *testing.T) {
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			t.Skip("DATABASE_URL not set")
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
	})

	t.Run("kafka", func(t *testing.T) {
		brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
		if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
			t.Skip("KAFKA_BROKERS not set")
		}
		conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
		if err != nil {
			t.Fatalf("kafka dial failed: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Brokers(); err != nil {
			t.Fatalf("kafka broker list failed: %v", err)
		}
	})

	t.Run("influx", func(t *testing.T) {
		influxURL := os.Getenv("INFLUX_URL")
		if influxURL == "" {
			t.Skip("INFLUX_URL not set")
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("influx health failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			t.Fatalf("influx health status: %d", resp.StatusCode)
		}
	})

	t.Run("asynq", func(t *testing.T) {
		asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
		if asynqRedis == "" {
			t.Skip("ASYNQ_REDIS_ADDR not set")
		}
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
		defer inspector.Close()
		if _, err := inspector.Queues(); err != nil {
			t.Fatalf("asynq inspector failed: %v", err)
		}
	})
}
