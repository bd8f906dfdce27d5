package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/jobs"
)

// Exercises one full stage hop on the in-memory log: an upstream event is
// consumed, becomes a job, the worker finishes it, and the stage's own event
// lands on the log for the next group.
func TestStageChainPublishJobPublish(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(100)
	logger := testLogger()

	upstream, err := NewPublisher(log, "topic", logger)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	stagePub, err := NewPublisher(log, "script", logger)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}

	repo := jobs.NewMemoryRepo()
	runner, err := jobs.NewRunner(repo, func(ctx context.Context, job jobs.Job) ([]byte, error) {
		var topic events.TopicApproved
		if err := json.Unmarshal(job.Input, &topic); err != nil {
			return nil, err
		}
		stagePub.TryPublish(ctx, events.TypeScriptGenerated, events.ScriptGenerated{
			ScriptID: "S1",
			TopicID:  topic.TopicID,
		}, job.CorrelationID)
		return json.Marshal(map[string]string{"script_id": "S1"})
	}, jobs.RunnerOptions{Service: "script", Workers: 1, QueueSize: 4}, logger)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	runner.Start(ctx)
	defer runner.Stop()

	sub, err := NewSubscriber(log, SubscriberOptions{Group: events.GroupScriptService, Consumer: "c1"}, logger)
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	var created jobs.Job
	sub.Register(events.TypeTopicApproved, func(ctx context.Context, env events.Envelope) error {
		var topic events.TopicApproved
		if err := events.Decode(env, &topic); err != nil {
			return err
		}
		job, err := runner.Create(ctx, env.Payload, env.CorrelationID)
		if err != nil {
			return err
		}
		created = job
		return nil
	})
	if err := log.EnsureGroup(ctx, events.GroupScriptService); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	if err := log.EnsureGroup(ctx, events.GroupVoiceService); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	if _, err := upstream.Publish(ctx, events.TypeTopicApproved, events.TopicApproved{
		TopicID: "T1",
		Title:   "how streams work",
	}, "corr-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	entries, err := log.ReadGroup(ctx, events.GroupScriptService, "c1", 10, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	sub.handleBatch(ctx, entries)
	if created.ID == uuid.Nil {
		t.Fatalf("handler did not create a job")
	}

	deadline := time.Now().Add(3 * time.Second)
	var job jobs.Job
	for {
		job, err = runner.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if jobs.IsTerminal(job.Status) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished, status %q", job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Status != jobs.StatusDone {
		t.Fatalf("expected done, got %q (%s)", job.Status, job.ErrorMessage)
	}

	downstream, err := log.ReadGroup(ctx, events.GroupVoiceService, "c1", 10, 0)
	if err != nil {
		t.Fatalf("downstream read failed: %v", err)
	}
	if len(downstream) != 1 {
		t.Fatalf("expected 1 downstream entry, got %d", len(downstream))
	}
	if got := downstream[0].Fields["type"]; got != events.TypeScriptGenerated {
		t.Fatalf("unexpected downstream type %q", got)
	}
	if got := downstream[0].Fields["correlation_id"]; got != "corr-1" {
		t.Fatalf("correlation id not propagated, got %q", got)
	}
}
