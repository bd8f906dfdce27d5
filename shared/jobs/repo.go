package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores a service's jobs. Implementations enforce the status
// machine on Transition so no caller can skip a state.
type Repository interface {
	Create(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	List(ctx context.Context, limit int, offset int) ([]Job, error)
	// Transition moves a job to status, updating result/error/stage.
	// Returns ErrInvalidTransition when the status machine forbids it.
	Transition(ctx context.Context, id uuid.UUID, status string, update Update) (Job, error)
}

// Update carries the optional fields written alongside a status change.
type Update struct {
	Result       []byte
	ErrorMessage string
	Stage        string
}

// MemoryRepo is the in-process Repository used by tests and DB-less runs.
type MemoryRepo struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]Job
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[uuid.UUID]Job)}
}

func (r *MemoryRepo) Create(_ context.Context, job Job) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	r.jobs[job.ID] = job
	return job, nil
}

func (r *MemoryRepo) Get(_ context.Context, id uuid.UUID) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (r *MemoryRepo) List(_ context.Context, limit int, offset int) ([]Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	all := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepo) Transition(_ context.Context, id uuid.UUID, status string, update Update) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	status = NormalizeStatus(status)
	if !CanTransition(job.Status, status) {
		return Job{}, ErrInvalidTransition
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	switch status {
	case StatusDone:
		job.Result = update.Result
		job.ErrorMessage = ""
	case StatusFailed:
		job.ErrorMessage = update.ErrorMessage
		job.Result = nil
	case StatusPending:
		// Retry path: clear the error, keep any prior partial result data
		// out of the record entirely.
		job.ErrorMessage = ""
	}
	if update.Stage != "" {
		job.Stage = update.Stage
	}
	r.jobs[id] = job
	return job, nil
}
