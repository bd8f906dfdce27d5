package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"content-pipeline/shared/logx"
)

func testRunner(t *testing.T, proc Processor, opts RunnerOptions) (*Runner, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	if opts.Service == "" {
		opts.Service = "test"
	}
	r, err := NewRunner(repo, proc, opts, logx.New("test", "test", "dev", "error"))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, repo
}

func waitForTerminal(t *testing.T, repo Repository, id uuid.UUID) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if IsTerminal(job.Status) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return Job{}
}

func TestRunnerJobSucceeds(t *testing.T) {
	r, repo := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}, RunnerOptions{Workers: 2, QueueSize: 8})
	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Create(context.Background(), []byte(`{}`), "corr-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("created job status = %s, want %s", job.Status, StatusPending)
	}

	got := waitForTerminal(t, repo, job.ID)
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want %s (error=%q)", got.Status, StatusDone, got.ErrorMessage)
	}
	if string(got.Result) != `{"ok":true}` || got.ErrorMessage != "" {
		t.Fatalf("done job: result=%q error=%q", got.Result, got.ErrorMessage)
	}
}

func TestRunnerFailureThenRetry(t *testing.T) {
	var calls atomic.Int32
	r, repo := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("rate limit exceeded")
		}
		return []byte(`{"ok":true}`), nil
	}, RunnerOptions{Workers: 1, QueueSize: 8})
	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Create(context.Background(), []byte(`{}`), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	failed := waitForTerminal(t, repo, job.ID)
	if failed.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", failed.Status, StatusFailed)
	}
	if failed.ErrorMessage != "rate limit exceeded" {
		t.Fatalf("error message = %q", failed.ErrorMessage)
	}
	if failed.Result != nil {
		t.Fatalf("failed job carries result %q", failed.Result)
	}

	retried, err := r.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusPending || retried.ErrorMessage != "" {
		t.Fatalf("retried job: status=%s error=%q", retried.Status, retried.ErrorMessage)
	}

	done := waitForTerminal(t, repo, job.ID)
	if done.Status != StatusDone {
		t.Fatalf("after retry status = %s, want %s (error=%q)", done.Status, StatusDone, done.ErrorMessage)
	}
}

func TestRunnerRetryRejectsNonFailed(t *testing.T) {
	block := make(chan struct{})
	r, _ := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		<-block
		return nil, nil
	}, RunnerOptions{Workers: 1, QueueSize: 8})
	defer close(block)

	// Not started: job stays pending.
	job, err := r.Create(context.Background(), []byte(`{}`), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Retry(context.Background(), job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retry of pending job err = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.Retry(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry of unknown job err = %v, want ErrNotFound", err)
	}
}

func TestRunnerQueueFull(t *testing.T) {
	r, _ := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		return nil, nil
	}, RunnerOptions{Workers: 1, QueueSize: 1})
	// Workers never started, so the queue never drains.

	if _, err := r.Create(context.Background(), []byte(`{}`), ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create(context.Background(), []byte(`{}`), ""); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second create err = %v, want ErrQueueFull", err)
	}

	// The rejected create must not leave an orphaned pending record behind.
	jobs, err := r.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 recorded job, got %d", len(jobs))
	}
}

func TestRunnerRetryQueueFullKeepsJobFailed(t *testing.T) {
	r, repo := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		return nil, nil
	}, RunnerOptions{Workers: 1, QueueSize: 1})
	// Workers not started yet, so the queue never drains.

	ctx := context.Background()
	failed, err := repo.Create(ctx, Job{Status: StatusPending})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Transition(ctx, failed.ID, StatusProcessing, Update{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := repo.Transition(ctx, failed.ID, StatusFailed, Update{ErrorMessage: "rate limit exceeded"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if _, err := r.Create(ctx, []byte(`{}`), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Retry(ctx, failed.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("retry on full queue err = %v, want ErrQueueFull", err)
	}

	// The rejected retry must leave the job failed, not strand it pending
	// with no scheduled worker.
	got, err := repo.Get(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status after rejected retry = %q, want %s", got.Status, StatusFailed)
	}
	if got.ErrorMessage != "rate limit exceeded" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	// Once the queue drains, the same retry succeeds.
	r.Start(ctx)
	defer r.Stop()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := r.Retry(ctx, failed.ID); err == nil {
			break
		} else if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("retry: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	done := waitForTerminal(t, repo, failed.ID)
	if done.Status != StatusDone {
		t.Fatalf("after retry status = %s, want %s (error=%q)", done.Status, StatusDone, done.ErrorMessage)
	}
}

func TestRunnerRecoversProcessorPanic(t *testing.T) {
	r, repo := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		panic("boom")
	}, RunnerOptions{Workers: 1, QueueSize: 8})
	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Create(context.Background(), []byte(`{}`), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := waitForTerminal(t, repo, job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.ErrorMessage != "processor panic: boom" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestRunnerConcurrencyCapped(t *testing.T) {
	const workers = 2
	var inflight, peak atomic.Int32
	release := make(chan struct{})

	r, repo := testRunner(t, func(_ context.Context, job Job) ([]byte, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return nil, nil
	}, RunnerOptions{Workers: workers, QueueSize: 16})
	r.Start(context.Background())

	ids := make([]uuid.UUID, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := r.Create(context.Background(), []byte(`{}`), "")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	// Give the pool a moment to pick up as much as it can.
	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, id := range ids {
		waitForTerminal(t, repo, id)
	}
	r.Stop()

	if p := peak.Load(); p > workers {
		t.Fatalf("observed %d concurrent processors, cap is %d", p, workers)
	}
}
