package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"simrun.engine/internal/config"
	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/metrics"
	"simrun.engine/internal/core/ports"
	"simrun.engine/internal/core/tracing"
)

const defaultMaxSweepSize = 1000

// SubmitRequest carries one parameter set or a sweep of them, plus the
// settings shared by every created job. Command replaces the workload
// executable; the parameter flags still follow it.
type SubmitRequest struct {
	Workload       string          `json:"workload,omitempty"`
	Params         domain.Params   `json:"params,omitempty"`
	Sweep          []domain.Params `json:"sweep,omitempty"`
	Defaults       domain.Params   `json:"defaults,omitempty"`
	Metadata       domain.Metadata `json:"metadata,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	Image          string          `json:"container_image,omitempty"`
	Command        []string        `json:"command,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

type SubmitResult struct {
	JobIDs       []string       `json:"jobs"`
	SweepID      string         `json:"sweep_id,omitempty"`
	SweepMapping map[int]string `json:"sweep_mapping"`
}

type PlannerOptions struct {
	DefaultImage    string
	DefaultCPU      float64
	DefaultMemoryMB int64
	MaxTimeout      time.Duration
	MaxSweepSize    int
	Workloads       map[string]config.WorkloadSpec
}

// Planner validates submissions and turns them into queued jobs.
type Planner struct {
	registry ports.JobRegistry
	queue    ports.JobQueue
	events   ports.EventPublisher
	opts     PlannerOptions
	now      func() time.Time
}

func NewPlanner(opts PlannerOptions, registry ports.JobRegistry, queue ports.JobQueue, events ports.EventPublisher) *Planner {
	if opts.MaxSweepSize <= 0 {
		opts.MaxSweepSize = defaultMaxSweepSize
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = time.Hour
	}
	return &Planner{
		registry: registry,
		queue:    queue,
		events:   events,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates every requested job or none of them.
func (p *Planner) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "job.submit", "")
	jobs, sweepID, err := p.plan(req)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}

	if err := p.registry.CreateBatch(ctx, jobs); err != nil {
		tracing.End(span, err)
		return nil, err
	}
	tracing.End(span, nil)
	metrics.RecordSubmitted(len(jobs))

	result := &SubmitResult{JobIDs: make([]string, len(jobs)), SweepID: sweepID}
	if req.Sweep != nil {
		result.SweepMapping = make(map[int]string, len(jobs))
	}
	for i, job := range jobs {
		result.JobIDs[i] = job.ID
		if result.SweepMapping != nil {
			result.SweepMapping[i] = job.ID
		}
		// A lost hint only delays the job until the dispatcher scan finds it.
		if err := p.queue.Enqueue(ctx, job.ID); err != nil {
			logger.WarnContext(ctx, "Failed to enqueue job hint", "job_id", job.ID, "error", err)
		}
		if p.events != nil {
			p.events.PublishStatus(ctx, job)
		}
	}

	logger.InfoContext(ctx, "Jobs submitted", "count", len(jobs), "sweep_id", sweepID, "workload", jobs[0].Workload)
	return result, nil
}

func (p *Planner) plan(req *SubmitRequest) ([]*domain.Job, string, error) {
	if req == nil {
		return nil, "", apperrors.Validation("body", "request body is required")
	}
	if len(req.Params) > 0 && req.Sweep != nil {
		return nil, "", apperrors.Validation("sweep", "cannot specify both 'params' and 'sweep'")
	}

	sets := []domain.Params{req.Params}
	if req.Sweep != nil {
		if len(req.Sweep) == 0 {
			return nil, "", apperrors.Validation("sweep", "sweep must contain at least one parameter set")
		}
		if len(req.Sweep) > p.opts.MaxSweepSize {
			return nil, "", apperrors.Validation("sweep", fmt.Sprintf("sweep may contain at most %d parameter sets", p.opts.MaxSweepSize))
		}
		sets = req.Sweep
	}

	workload := req.Workload
	if workload == "" {
		workload = domain.WorkloadHeat1D
	}
	profile := p.opts.Workloads[workload]

	maxSeconds := int(p.opts.MaxTimeout / time.Second)
	timeout := req.TimeoutSeconds
	if timeout < 0 || timeout > maxSeconds {
		return nil, "", apperrors.Validation("timeout_seconds", fmt.Sprintf("timeout_seconds must be between 1 and %d", maxSeconds))
	}
	if timeout == 0 && profile.TimeoutSeconds > 0 {
		timeout = min(profile.TimeoutSeconds, maxSeconds)
	}

	image := firstNonEmpty(req.Image, profile.Image, p.opts.DefaultImage)
	command := firstNonEmptyList(req.Command, profile.Command, domain.WorkloadCommand(workload))
	for _, arg := range command {
		if strings.TrimSpace(arg) == "" {
			return nil, "", apperrors.Validation("command", "command must not contain empty arguments")
		}
	}
	cpu := p.opts.DefaultCPU
	if profile.CPULimit > 0 {
		cpu = profile.CPULimit
	}
	memory := p.opts.DefaultMemoryMB
	if profile.MemoryMB > 0 {
		memory = profile.MemoryMB
	}

	var sweepID string
	if len(sets) > 1 {
		sweepID = uuid.NewString()
	}

	now := p.now()
	jobs := make([]*domain.Job, 0, len(sets))
	for i, set := range sets {
		params, err := p.resolve(workload, set, req.Defaults, profile.Defaults)
		if err != nil {
			if req.Sweep != nil {
				return nil, "", sweepMemberError(i, err)
			}
			return nil, "", err
		}

		job := &domain.Job{
			ID:             uuid.NewString(),
			Status:         domain.JobStatusQueued,
			Workload:       workload,
			Image:          image,
			Command:        command,
			Params:         params,
			Metadata:       req.Metadata,
			CreatedBy:      req.CreatedBy,
			TimeoutSeconds: timeout,
			CPULimit:       cpu,
			MemoryMB:       memory,
			CreatedAt:      now,
		}
		if sweepID != "" {
			index := i
			job.SweepID = &sweepID
			job.SweepIndex = &index
		}
		jobs = append(jobs, job)
	}
	return jobs, sweepID, nil
}

// resolve fills the missing keys of set from the request defaults, then the
// workload catalog, then the built-in defaults, and validates the result.
// Caller-supplied keys keep their order; filled-in keys follow.
func (p *Planner) resolve(workload string, set, requestDefaults domain.Params, catalog map[string]any) (domain.Params, error) {
	merged := set.Map()
	for _, defaults := range []map[string]any{requestDefaults.Map(), catalog, domain.WorkloadDefaults(workload)} {
		if len(defaults) == 0 {
			continue
		}
		// Without dereferencing, explicit zero values count as present.
		if err := mergo.Merge(&merged, defaults, mergo.WithoutDereference); err != nil {
			return nil, apperrors.Internal("merge defaults", err)
		}
	}

	cfg, err := domain.DecodeWorkload(workload, merged)
	if err != nil {
		return nil, err
	}

	canonical := cfg.Params()
	ordered := make(domain.Params, 0, len(canonical))
	seen := make(map[string]bool, len(set))
	for _, param := range set {
		if v, ok := canonical.Get(param.Name); ok && !seen[param.Name] {
			seen[param.Name] = true
			ordered = append(ordered, domain.Param{Name: param.Name, Value: v})
		}
	}
	for _, param := range canonical {
		if _, given := set.Get(param.Name); !given {
			ordered = append(ordered, param)
		}
	}
	return ordered, nil
}

func sweepMemberError(index int, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && errors.Is(err, apperrors.ErrValidation) {
		return apperrors.Validation(
			fmt.Sprintf("sweep[%d].%s", index, appErr.Field),
			fmt.Sprintf("sweep member %d: %s", index, appErr.Message),
		)
	}
	return err
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
