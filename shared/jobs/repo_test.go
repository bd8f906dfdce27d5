package jobs

import (
	"context"
	"testing"
)

func TestMemoryRepoResultAndErrorExclusive(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	job, err := repo.Create(ctx, Job{Input: []byte(`{"topic":"last mile robots"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("new job status = %s, want %s", job.Status, StatusPending)
	}

	if _, err := repo.Transition(ctx, job.ID, StatusProcessing, Update{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	job, err = repo.Transition(ctx, job.ID, StatusFailed, Update{ErrorMessage: "rate limit exceeded"})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if job.ErrorMessage != "rate limit exceeded" || job.Result != nil {
		t.Fatalf("failed job: error=%q result=%q", job.ErrorMessage, job.Result)
	}

	// Retry clears the error.
	job, err = repo.Transition(ctx, job.ID, StatusPending, Update{})
	if err != nil {
		t.Fatalf("retry to pending: %v", err)
	}
	if job.ErrorMessage != "" {
		t.Fatalf("retried job kept error %q", job.ErrorMessage)
	}

	if _, err := repo.Transition(ctx, job.ID, StatusProcessing, Update{}); err != nil {
		t.Fatalf("to processing again: %v", err)
	}
	job, err = repo.Transition(ctx, job.ID, StatusDone, Update{Result: []byte(`{"script_id":"s1"}`)})
	if err != nil {
		t.Fatalf("to done: %v", err)
	}
	if job.ErrorMessage != "" || string(job.Result) != `{"script_id":"s1"}` {
		t.Fatalf("done job: error=%q result=%q", job.ErrorMessage, job.Result)
	}
}

func TestMemoryRepoRejectsIllegalTransition(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	job, err := repo.Create(ctx, Job{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Transition(ctx, job.ID, StatusDone, Update{}); err != ErrInvalidTransition {
		t.Fatalf("pending->done err = %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryRepoListNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := repo.Create(ctx, Job{Input: []byte(`{}`)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	list, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list returned %d jobs, want 2", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Fatalf("list not newest-first")
		}
	}
}
