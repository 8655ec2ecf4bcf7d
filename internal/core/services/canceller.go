package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/metrics"
	"simrun.engine/internal/core/ports"
)

const cancelMessage = "cancelled by user"

// errRetryCancel asks the retry loop to re-read the job.
var errRetryCancel = errors.New("job status changed during cancel")

// TopicCloser ends the live log stream of a job.
type TopicCloser interface {
	Close(jobID string)
}

type CancelResult struct {
	Job *domain.Job `json:"job"`
	// AlreadyRequested is true when an earlier cancel reached the job first.
	AlreadyRequested bool   `json:"already_requested"`
	Message          string `json:"message"`
}

// Canceller stops jobs at whatever point of their lifecycle they are in.
type Canceller struct {
	registry ports.JobRegistry
	control  ports.ExecutionControl
	topics   TopicCloser
	events   ports.EventPublisher

	retryInterval time.Duration
	maxTries      uint
}

func NewCanceller(registry ports.JobRegistry, control ports.ExecutionControl, topics TopicCloser, events ports.EventPublisher) *Canceller {
	return &Canceller{
		registry:      registry,
		control:       control,
		topics:        topics,
		events:        events,
		retryInterval: 50 * time.Millisecond,
		maxTries:      100,
	}
}

// Cancel is idempotent for jobs that are queued, in flight or already
// cancelled. Cancelling a job that succeeded or failed is a conflict; the job
// is still returned alongside the error.
func (c *Canceller) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	var last *CancelResult
	// triggered records that this call flipped the owner's flag, so a retry
	// that finds the job already cancelled still reports it as ours.
	triggered := false
	res, err := backoff.Retry(ctx, func() (*CancelResult, error) {
		r, err := c.attempt(ctx, id, &triggered)
		last = r
		return r, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryInterval)),
		backoff.WithMaxTries(c.maxTries),
	)
	if errors.Is(err, errRetryCancel) {
		return nil, apperrors.Conflict("job", id, "job is changing state, retry the cancel")
	}
	if err != nil {
		return last, err
	}
	return res, nil
}

func (c *Canceller) attempt(ctx context.Context, id string, triggered *bool) (*CancelResult, error) {
	job, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	switch job.Status {
	case domain.JobStatusQueued:
		return c.cancelQueued(ctx, job)

	case domain.JobStatusClaimed, domain.JobStatusRunning:
		found, already := false, false
		if c.control != nil {
			found, already = c.control.RequestCancel(id)
		}
		if found && !already {
			*triggered = true
		}
		already = !*triggered && (already || job.CancelRequested)

		if job.Status == domain.JobStatusClaimed {
			if found {
				// The local worker checks the flag before it launches anything.
				return &CancelResult{Job: job, AlreadyRequested: already, Message: "cancellation requested"}, nil
			}
			// Owned elsewhere; wait for it to reach running so the flag can be persisted.
			return nil, errRetryCancel
		}
		if job.CancelRequested {
			return &CancelResult{Job: job, AlreadyRequested: already, Message: "cancellation already requested"}, nil
		}

		flag := true
		updated, err := c.registry.CompareAndSetStatus(ctx, id, domain.JobStatusRunning, domain.JobStatusRunning,
			domain.Transition{CancelRequested: &flag})
		if err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				return nil, errRetryCancel
			}
			return nil, backoff.Permanent(err)
		}
		logger.InfoContext(ctx, "Cancellation requested", "job_id", id, "local", found)
		return &CancelResult{Job: updated, AlreadyRequested: already, Message: "cancellation requested"}, nil

	case domain.JobStatusCancelled:
		if *triggered {
			return &CancelResult{Job: job, Message: "job cancelled"}, nil
		}
		return &CancelResult{Job: job, AlreadyRequested: true, Message: "job already cancelled"}, nil

	default:
		return &CancelResult{Job: job, Message: fmt.Sprintf("job already %s", job.Status)},
			backoff.Permanent(apperrors.Conflict("job", id, fmt.Sprintf("cannot cancel job with status %s", job.Status)))
	}
}

func (c *Canceller) cancelQueued(ctx context.Context, job *domain.Job) (*CancelResult, error) {
	now := time.Now().UTC()
	msg := cancelMessage
	cancelled, err := c.registry.CompareAndSetStatus(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusCancelled,
		domain.Transition{FinishedAt: &now, Error: &msg})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Claimed in the meantime.
			return nil, errRetryCancel
		}
		return nil, backoff.Permanent(err)
	}

	if c.topics != nil {
		c.topics.Close(job.ID)
	}
	if c.events != nil {
		c.events.PublishStatus(ctx, cancelled)
	}
	metrics.RecordFinished(string(domain.JobStatusCancelled), 0)
	logger.InfoContext(ctx, "Cancelled queued job", "job_id", job.ID)
	return &CancelResult{Job: cancelled, Message: "job cancelled"}, nil
}
