package services

import (
	"context"
	"io"
	"time"

	"simrun.engine/internal/artifacts"
	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/ports"
	"simrun.engine/internal/logrelay"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// JobLogs is the accumulated output of one job.
type JobLogs struct {
	JobID       string    `json:"job_id"`
	Logs        string    `json:"logs"`
	LastUpdated time.Time `json:"last_updated"`
}

// JobService answers read queries about jobs, their logs and their results.
type JobService struct {
	registry     ports.JobRegistry
	relay        *logrelay.Relay
	store        *artifacts.Store
	allowPartial bool
}

func NewJobService(registry ports.JobRegistry, relay *logrelay.Relay, store *artifacts.Store, allowPartialResults bool) *JobService {
	return &JobService{
		registry:     registry,
		relay:        relay,
		store:        store,
		allowPartial: allowPartialResults,
	}
}

func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.registry.Get(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, filter domain.JobFilter, page, size int) (*domain.JobPage, error) {
	// Validate and normalize pagination params
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.Validation("status", "unknown status "+string(filter.Status))
	}
	return s.registry.List(ctx, filter, page, size)
}

func (s *JobService) Stats(ctx context.Context) (*domain.JobStats, error) {
	return s.registry.Stats(ctx)
}

func (s *JobService) Logs(ctx context.Context, id string) (*JobLogs, error) {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	text, last, err := s.relay.Text(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("read logs", err)
	}
	if last.IsZero() {
		last = job.UpdatedAt
	}
	return &JobLogs{JobID: id, Logs: text, LastUpdated: last}, nil
}

// StreamLogs replays the job's output and follows it until the job ends.
func (s *JobService) StreamLogs(ctx context.Context, id string) (*logrelay.Subscription, error) {
	return s.relay.Subscribe(ctx, id)
}

// CheckResult reports whether the job's result archive can be downloaded.
func (s *JobService) CheckResult(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := job.Status == domain.JobStatusSuccess ||
		(s.allowPartial && (job.Status == domain.JobStatusFailed || job.Status == domain.JobStatusCancelled))
	if !allowed {
		return nil, apperrors.NotFound("results for job", id)
	}

	ok, err := s.store.HasArtifacts(id)
	if err != nil {
		return nil, apperrors.Internal("inspect results", err)
	}
	if !ok {
		return nil, apperrors.NotFound("results for job", id)
	}
	return job, nil
}

// WriteResult streams the tar.gz archive of the job's results to w.
func (s *JobService) WriteResult(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.CheckResult(ctx, id); err != nil {
		return err
	}
	return s.store.WriteArchive(ctx, id, w)
}

func (s *JobService) GetSweep(ctx context.Context, id string) (*domain.Sweep, error) {
	members, err := s.registry.ListBySweep(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperrors.NotFound("sweep", id)
	}
	return domain.NewSweep(id, members), nil
}
