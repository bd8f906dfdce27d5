package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
)

// Processor performs a job's external work. It returns the result payload
// on success. A returned error moves the job to failed with the error's
// message; the processor is never re-invoked except through an explicit
// retry. Partial sub-item failures inside a processor are the processor's
// business: log and skip, or fail the whole job, per service semantics.
type Processor func(ctx context.Context, job Job) ([]byte, error)

type RunnerOptions struct {
	Service   string
	Workers   int
	QueueSize int
}

// Runner owns a service's worker pool. Job creation enqueues and returns
// immediately with the pending record; a fixed number of workers drain the
// queue, so concurrent external calls are capped at Workers instead of
// fanning out unboundedly.
type Runner struct {
	repo    Repository
	proc    Processor
	logger  logx.Logger
	service string
	workers int

	queue chan uuid.UUID
	slots chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

var ErrQueueFull = errors.New("job queue full")

func NewRunner(repo Repository, proc Processor, opts RunnerOptions, logger logx.Logger) (*Runner, error) {
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	if proc == nil {
		return nil, errors.New("job processor is required")
	}
	if opts.Service == "" {
		return nil, errors.New("service name is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Runner{
		repo:    repo,
		proc:    proc,
		logger:  logger,
		service: opts.Service,
		workers: opts.Workers,
		queue:   make(chan uuid.UUID, opts.QueueSize),
		slots:   make(chan struct{}, opts.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the worker pool. ctx cancellation drains nothing: workers
// finish their current job and exit.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx)
		}
	})
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// Create records a new pending job and schedules it. The caller observes
// only the pending record; the outcome is reached asynchronously. The queue
// slot is reserved before the record is written, so a full queue rejects the
// call without leaving an orphaned pending row behind.
func (r *Runner) Create(ctx context.Context, input []byte, correlationID string) (Job, error) {
	if err := r.reserveSlot(); err != nil {
		return Job{}, err
	}
	job, err := r.repo.Create(ctx, Job{
		Status:        StatusPending,
		Input:         input,
		CorrelationID: correlationID,
	})
	if err != nil {
		r.releaseSlot()
		return Job{}, err
	}
	metricsx.IncJobTransition(r.service, StatusPending)
	r.enqueue(job.ID)
	return job, nil
}

// Get is a pure read.
func (r *Runner) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	return r.repo.Get(ctx, id)
}

// List returns recent jobs, newest first.
func (r *Runner) List(ctx context.Context, limit int, offset int) ([]Job, error) {
	return r.repo.List(ctx, limit, offset)
}

// Retry moves a failed job back to pending and reschedules it. Any other
// current status is rejected with ErrInvalidTransition. The slot is reserved
// before the failed->pending write: a full queue rejects the retry while the
// job is still failed, so it stays retryable.
func (r *Runner) Retry(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := r.repo.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusFailed {
		return Job{}, ErrInvalidTransition
	}
	if err := r.reserveSlot(); err != nil {
		return Job{}, err
	}
	job, err = r.repo.Transition(ctx, id, StatusPending, Update{})
	if err != nil {
		r.releaseSlot()
		return Job{}, err
	}
	metricsx.IncJobTransition(r.service, StatusPending)
	r.enqueue(job.ID)
	return job, nil
}

// reserveSlot claims queue capacity. Every queued id is backed by a held
// slot, released when a worker dequeues it, so enqueue after a successful
// reserve can never block.
func (r *Runner) reserveSlot() error {
	select {
	case r.slots <- struct{}{}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) releaseSlot() {
	select {
	case <-r.slots:
	default:
	}
}

func (r *Runner) enqueue(id uuid.UUID) {
	r.queue <- id
	metricsx.SetJobQueueDepth(r.service, len(r.queue))
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.releaseSlot()
			metricsx.SetJobQueueDepth(r.service, len(r.queue))
			r.process(ctx, id)
		}
	}
}

// process runs exactly one lifecycle attempt: pending -> processing ->
// done|failed. It never re-raises: the loop is terminal, nothing awaits it.
func (r *Runner) process(ctx context.Context, id uuid.UUID) {
	ctx, span := otel.Tracer("jobs").Start(ctx, "job.process")
	span.SetAttributes(
		attribute.String("job.service", r.service),
		attribute.String("job.id", id.String()),
	)
	defer span.End()

	job, err := r.repo.Transition(ctx, id, StatusProcessing, Update{})
	if err != nil {
		// Lost race or stale queue entry; the record owns the truth.
		r.logger.Warn(ctx, "job_claim_failed", "could not move job to processing",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncJobTransition(r.service, StatusProcessing)
	started := time.Now()

	result, procErr := r.runProcessor(ctx, job)
	if procErr != nil {
		if _, err := r.repo.Transition(ctx, id, StatusFailed, Update{ErrorMessage: procErr.Error()}); err != nil {
			r.logger.Error(ctx, "job_fail_write_failed", "could not record job failure",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("job_id", id.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		metricsx.IncJobTransition(r.service, StatusFailed)
		metricsx.ObserveJobDuration(r.service, StatusFailed, time.Since(started))
		r.logger.Warn(ctx, "job_failed", "job moved to failed",
			slog.String("job_id", id.String()),
			slog.String("error", procErr.Error()),
		)
		return
	}

	if _, err := r.repo.Transition(ctx, id, StatusDone, Update{Result: result}); err != nil {
		r.logger.Error(ctx, "job_done_write_failed", "could not record job result",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncJobTransition(r.service, StatusDone)
	metricsx.ObserveJobDuration(r.service, StatusDone, time.Since(started))
}

func (r *Runner) runProcessor(ctx context.Context, job Job) (result []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return r.proc(ctx, job)
}
