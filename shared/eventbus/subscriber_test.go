package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("eventbus-test", "test", "", "error")
}

func newTestBus(t *testing.T, group string) (*eventlog.MemoryLog, *Publisher, *Subscriber) {
	t.Helper()
	log := eventlog.NewMemoryLog(100)
	pub, err := NewPublisher(log, "test-source", testLogger())
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	sub, err := NewSubscriber(log, SubscriberOptions{
		Group:    group,
		Consumer: "c1",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	return log, pub, sub
}

func TestPublishThenConsume(t *testing.T) {
	ctx := context.Background()
	log, pub, sub := newTestBus(t, "g")
	if err := log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	var got atomic.Value
	sub.Register(events.TypeTopicApproved, func(_ context.Context, env events.Envelope) error {
		var p events.TopicApproved
		if err := events.Decode(env, &p); err != nil {
			return err
		}
		got.Store(p.TopicID)
		return nil
	})

	entryID, err := pub.Publish(ctx, events.TypeTopicApproved, events.TopicApproved{TopicID: "T1"}, "corr")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if entryID == "" {
		t.Fatalf("expected a log-assigned entry id")
	}

	entries, err := log.ReadGroup(ctx, "g", "c1", 10, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	sub.handleBatch(ctx, entries)

	if got.Load() != "T1" {
		t.Fatalf("handler did not receive payload, got %v", got.Load())
	}
	if log.PendingCount("g") != 0 {
		t.Fatalf("expected entry to be acknowledged")
	}
}

func TestUnknownTypeAckedWithoutError(t *testing.T) {
	ctx := context.Background()
	log, pub, sub := newTestBus(t, "g")
	if err := log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	if _, err := pub.Publish(ctx, "future.event_type", map[string]string{"k": "v"}, ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	entries, _ := log.ReadGroup(ctx, "g", "c1", 10, 0)
	sub.handleBatch(ctx, entries)

	if log.PendingCount("g") != 0 {
		t.Fatalf("unknown event type must be acknowledged, %d pending", log.PendingCount("g"))
	}
}

func TestHandlerErrorStillAcks(t *testing.T) {
	ctx := context.Background()
	log, pub, sub := newTestBus(t, "g")
	if err := log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	calls := 0
	sub.Register(events.TypeVideoRendered, func(context.Context, events.Envelope) error {
		calls++
		return errors.New("downstream unavailable")
	})

	if _, err := pub.Publish(ctx, events.TypeVideoRendered, events.VideoRendered{VideoID: "V1"}, ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	entries, _ := log.ReadGroup(ctx, "g", "c1", 10, 0)
	sub.handleBatch(ctx, entries)
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if log.PendingCount("g") != 0 {
		t.Fatalf("failing handler must not block acknowledgment")
	}

	// No redelivery after the failure.
	entries, _ = log.ReadGroup(ctx, "g", "c1", 10, 0)
	if len(entries) != 0 {
		t.Fatalf("expected no redelivery, got %d entries", len(entries))
	}
}

func TestMalformedEntryAcked(t *testing.T) {
	ctx := context.Background()
	log, _, sub := newTestBus(t, "g")
	if err := log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	// An entry without a type field, as an incompatible producer might write.
	if _, err := log.Append(ctx, map[string]string{"garbage": "yes"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	entries, _ := log.ReadGroup(ctx, "g", "c1", 10, 0)
	sub.handleBatch(ctx, entries)
	if log.PendingCount("g") != 0 {
		t.Fatalf("malformed entry must be acknowledged")
	}
}

func TestStartupReclaimDrainsAllBatches(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(100)
	if err := log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	pub, err := NewPublisher(log, "src", testLogger())
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := pub.Publish(ctx, events.TypeTopicApproved, events.TopicApproved{TopicID: "T1"}, ""); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// A consumer takes everything and dies without acking.
	if _, err := log.ReadGroup(ctx, "g", "crashed", 100, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The successor's batch size is smaller than the leftover backlog; the
	// startup reclaim must still drain all of it.
	sub, err := NewSubscriber(log, SubscriberOptions{
		Group:          "g",
		Consumer:       "c2",
		BatchSize:      2,
		ReclaimMinIdle: time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	var handled atomic.Int32
	sub.Register(events.TypeTopicApproved, func(context.Context, events.Envelope) error {
		handled.Add(1)
		return nil
	})

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := sub.Run(runCtx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := handled.Load(); got != 5 {
		t.Fatalf("expected all 5 stale entries re-processed, handled %d", got)
	}
	if log.PendingCount("g") != 0 {
		t.Fatalf("expected no pending entries after reclaim, got %d", log.PendingCount("g"))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	_, _, sub := newTestBus(t, "g")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
}

func TestTryPublishSwallowsFailure(t *testing.T) {
	pub, err := NewPublisher(failingLog{}, "src", testLogger())
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	if id := pub.TryPublish(context.Background(), events.TypeTopicApproved, events.TopicApproved{TopicID: "T1"}, ""); id != "" {
		t.Fatalf("expected dropped publish to return empty id, got %q", id)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, map[string]string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingLog) EnsureGroup(context.Context, string) error { return errors.New("connection refused") }
func (failingLog) ReadGroup(context.Context, string, string, int64, time.Duration) ([]eventlog.Entry, error) {
	return nil, errors.New("connection refused")
}
func (failingLog) Ack(context.Context, string, ...string) error { return errors.New("connection refused") }
func (failingLog) Reclaim(context.Context, string, string, time.Duration, int64) ([]eventlog.Entry, error) {
	return nil, errors.New("connection refused")
}
func (failingLog) Range(context.Context, string, string, int64) ([]eventlog.Entry, error) {
	return nil, errors.New("connection refused")
}
