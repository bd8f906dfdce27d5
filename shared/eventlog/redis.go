package eventlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog stores the shared log in a single Redis stream. Monotonic id
// assignment and approximate MAXLEN trimming are delegated to the stream.
type RedisLog struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisLog(client *redis.Client, stream string, maxLen int64) (*RedisLog, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if strings.TrimSpace(stream) == "" {
		return nil, errors.New("stream name must not be empty")
	}
	if maxLen <= 0 {
		return nil, errors.New("stream maxlen must be > 0")
	}
	return &RedisLog{client: client, stream: stream, maxLen: maxLen}, nil
}

func (l *RedisLog) Append(ctx context.Context, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

func (l *RedisLog) EnsureGroup(ctx context.Context, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, l.stream, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (l *RedisLog) ReadGroup(ctx context.Context, group string, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, fromMessage(m))
		}
	}
	return entries, nil
}

func (l *RedisLog) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.client.XAck(ctx, l.stream, group, ids...).Err()
}

func (l *RedisLog) Reclaim(ctx context.Context, group string, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fromMessage(m))
	}
	return entries, nil
}

func (l *RedisLog) Range(ctx context.Context, start string, end string, count int64) ([]Entry, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	msgs, err := l.client.XRangeN(ctx, l.stream, start, end, count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fromMessage(m))
	}
	return entries, nil
}

func fromMessage(m redis.XMessage) Entry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return Entry{ID: m.ID, Fields: fields}
}
