// Package memory is a process-local JobRegistry and LogStore used for
// single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/ports"
)

var (
	_ ports.JobRegistry = (*Repository)(nil)
	_ ports.LogStore    = (*Repository)(nil)
)

type Repository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	logs map[string][]*domain.LogLine
	now  func() time.Time
}

func NewRepository() *Repository {
	return &Repository{
		jobs: make(map[string]*domain.Job),
		logs: make(map[string][]*domain.LogLine),
		now:  time.Now,
	}
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	return r.CreateBatch(ctx, []*domain.Job{job})
}

func (r *Repository) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			return apperrors.Validation("id", "job id is required")
		}
		if !job.Status.Valid() {
			return apperrors.Validation("status", fmt.Sprintf("invalid status %q", job.Status))
		}
		if _, exists := r.jobs[job.ID]; exists || seen[job.ID] {
			return apperrors.Conflict("job", job.ID, "job already exists")
		}
		seen[job.ID] = true
	}

	now := r.now()
	for _, job := range jobs {
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		r.jobs[job.ID] = job.Clone()
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return job.Clone(), nil
}

func (r *Repository) List(ctx context.Context, filter domain.JobFilter, page, size int) (*domain.JobPage, error) {
	r.mu.RLock()
	matched := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.SweepID != "" && (job.SweepID == nil || *job.SweepID != filter.SweepID) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	offset := (page - 1) * size
	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	return &domain.JobPage{
		Jobs:    matched[offset:end],
		Total:   total,
		Page:    page,
		Size:    size,
		HasNext: total > int64(page*size),
	}, nil
}

func (r *Repository) ListQueued(ctx context.Context, limit int) ([]*domain.Job, error) {
	r.mu.RLock()
	queued := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusQueued {
			queued = append(queued, job.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return sweepIndex(queued[i]) < sweepIndex(queued[j])
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (r *Repository) ListBySweep(ctx context.Context, sweepID string) ([]*domain.Job, error) {
	r.mu.RLock()
	members := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.SweepID != nil && *job.SweepID == sweepID {
			members = append(members, job.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		return sweepIndex(members[i]) < sweepIndex(members[j])
	})
	return members, nil
}

func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.JobStatus, fields domain.Transition) (*domain.Job, error) {
	if !domain.CanTransition(expected, next) {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("illegal transition %s -> %s", expected, next))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if job.Status != expected {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("job %s is %s, expected %s", id, job.Status, expected))
	}

	job.Status = next
	fields.Apply(job)
	job.UpdatedAt = r.now()
	return job.Clone(), nil
}

func (r *Repository) Stats(ctx context.Context) (*domain.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.JobStatus]int64)
	var runtimeSum float64
	var runtimeCount int
	for _, job := range r.jobs {
		counts[job.Status]++
		if job.Status != domain.JobStatusSuccess {
			continue
		}
		if d, ok := job.Runtime(); ok {
			runtimeSum += d.Seconds()
			runtimeCount++
		}
	}

	var avg *float64
	if runtimeCount > 0 {
		v := runtimeSum / float64(runtimeCount)
		avg = &v
	}
	return domain.NewJobStats(counts, avg), nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *Repository) AppendLog(ctx context.Context, line *domain.LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *line
	r.logs[line.JobID] = append(r.logs[line.JobID], &stored)
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, jobID string) ([]*domain.LogLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := r.logs[jobID]
	out := make([]*domain.LogLine, len(lines))
	for i, line := range lines {
		l := *line
		out[i] = &l
	}
	return out, nil
}

func sweepIndex(job *domain.Job) int {
	if job.SweepIndex == nil {
		return 0
	}
	return *job.SweepIndex
}
