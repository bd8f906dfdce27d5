package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"content-pipeline/shared/eventbus"
	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/logx"
)

type fakeWriter struct {
	published int
	lastTopic string
	lastKey   string
	fail      bool
}

func (f *fakeWriter) Publish(_ context.Context, topic string, key []byte, _ []byte, _ map[string]string) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.published++
	f.lastTopic = topic
	f.lastKey = string(key)
	return nil
}

// fakeCounter stands in for the Redis counter; seeding n simulates the
// count accumulated by previous process instances.
type fakeCounter struct{ n int64 }

func (f *fakeCounter) Incr(context.Context, string) (int64, error) {
	f.n++
	return f.n, nil
}

func testEnvelope(t *testing.T, eventType string, payload any) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(eventType, "topic", "corr-1", payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func newExportFixture(t *testing.T, counter *fakeCounter) (eventbus.Handler, *fakeWriter, *eventlog.MemoryLog) {
	t.Helper()
	log := eventlog.NewMemoryLog(100)
	if err := log.EnsureGroup(context.Background(), "watch"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	logger := logx.New("export-test", "test", "", "error")
	pub, err := eventbus.NewPublisher(log, "export", logger)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	writer := &fakeWriter{}
	return exportHandler(writer, pub, counter, "pipeline.export", logger), writer, log
}

func TestExportBatchCounterSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{n: ideaBatchSize - 2}
	handler, writer, log := newExportFixture(t, counter)

	env := testEnvelope(t, events.TypeTopicApproved, events.TopicApproved{TopicID: "T1", Title: "t"})
	if err := handler(ctx, env); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	entries, _ := log.ReadGroup(ctx, "watch", "c1", 10, 0)
	if len(entries) != 0 {
		t.Fatalf("batch not complete yet, got %d events", len(entries))
	}

	// The entry that completes the batch, counting across restarts.
	if err := handler(ctx, env); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	entries, _ = log.ReadGroup(ctx, "watch", "c1", 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 acknowledgment event, got %d", len(entries))
	}
	if got := entries[0].Fields["type"]; got != events.TypeCompetitorIdeaExported {
		t.Fatalf("unexpected event type %q", got)
	}
	var exported events.CompetitorIdeaExported
	if err := json.Unmarshal([]byte(entries[0].Fields["payload"]), &exported); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if exported.Count != ideaBatchSize {
		t.Fatalf("batch count = %d, want %d", exported.Count, ideaBatchSize)
	}
	if exported.BatchID == "" {
		t.Fatalf("batch id must be set")
	}
	if writer.published != 2 {
		t.Fatalf("expected 2 kafka publishes, got %d", writer.published)
	}
	if writer.lastTopic != "pipeline.export" || writer.lastKey != "corr-1" {
		t.Fatalf("unexpected kafka publish: topic=%q key=%q", writer.lastTopic, writer.lastKey)
	}
}

func TestExportOnlyIdeasAdvanceTheBatch(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{}
	handler, writer, _ := newExportFixture(t, counter)

	env := testEnvelope(t, events.TypeVideoRendered, events.VideoRendered{VideoID: "V1", MediaURL: "http://cdn/v1"})
	if err := handler(ctx, env); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if counter.n != 0 {
		t.Fatalf("non-idea events must not advance the counter, n=%d", counter.n)
	}
	if writer.published != 1 {
		t.Fatalf("expected the envelope to be exported, got %d publishes", writer.published)
	}
}

func TestExportKafkaFailureDoesNotAdvanceBatch(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{}
	handler, writer, _ := newExportFixture(t, counter)
	writer.fail = true

	env := testEnvelope(t, events.TypeTopicApproved, events.TopicApproved{TopicID: "T1", Title: "t"})
	if err := handler(ctx, env); err == nil {
		t.Fatalf("expected publish failure to surface")
	}
	if counter.n != 0 {
		t.Fatalf("failed export must not count toward the batch, n=%d", counter.n)
	}
}
