package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusClaimed,
	JobStatusRunning,
	JobStatusSuccess,
	JobStatusFailed,
	JobStatusCancelled,
}

// transitions is the lifecycle state machine. running->running is only used
// to persist the cancellation request of a job that is still executing.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusClaimed, JobStatusCancelled},
	JobStatusClaimed: {JobStatusRunning},
	JobStatusRunning: {JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Job struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Status          JobStatus  `json:"status" gorm:"type:varchar(16);index;not null"`
	Workload        string     `json:"workload" gorm:"type:varchar(64)"`
	Image           string     `json:"image"`
	Command         []string   `json:"command,omitempty" gorm:"serializer:json"`
	Params          Params     `json:"params" gorm:"type:json"`
	Metadata        Metadata   `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedBy       string     `json:"created_by,omitempty" gorm:"index"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	CPULimit        float64    `json:"cpu_limit"`
	MemoryMB        int64      `json:"memory_mb"`
	SweepID         *string    `json:"sweep_id,omitempty" gorm:"type:varchar(36);index"`
	SweepIndex      *int       `json:"sweep_index,omitempty"`
	CancelRequested bool       `json:"cancel_requested" gorm:"default:false"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Runtime returns the wall time between start and finish, if both are set.
func (j *Job) Runtime() (time.Duration, bool) {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0, false
	}
	return j.FinishedAt.Sub(*j.StartedAt), true
}

// Clone returns a deep copy so that stored records are never shared.
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = append(Params(nil), j.Params...)
	}
	if j.Command != nil {
		c.Command = append([]string(nil), j.Command...)
	}
	if j.Metadata != nil {
		c.Metadata = make(Metadata, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.SweepID = clonePtr(j.SweepID)
	c.SweepIndex = clonePtr(j.SweepIndex)
	c.ExitCode = clonePtr(j.ExitCode)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Transition carries the fields written together with a status change.
// Nil fields are left untouched; timestamps are only written when unset.
type Transition struct {
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ExitCode        *int
	Error           *string
	CancelRequested *bool
}

// Apply copies the transition onto job, honouring write-once timestamps.
func (t Transition) Apply(job *Job) {
	if t.StartedAt != nil && job.StartedAt == nil {
		started := *t.StartedAt
		job.StartedAt = &started
	}
	if t.FinishedAt != nil && job.FinishedAt == nil {
		finished := *t.FinishedAt
		job.FinishedAt = &finished
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		job.ExitCode = &code
	}
	if t.Error != nil {
		job.Error = *t.Error
	}
	if t.CancelRequested != nil {
		job.CancelRequested = *t.CancelRequested
	}
}

type JobFilter struct {
	Status    JobStatus
	CreatedBy string
	SweepID   string
}

type JobPage struct {
	Jobs    []*Job `json:"jobs"`
	Total   int64  `json:"total"`
	Page    int    `json:"page"`
	Size    int    `json:"size"`
	HasNext bool   `json:"has_next"`
}

type JobStats struct {
	Total             int64               `json:"total_jobs"`
	ByStatus          map[JobStatus]int64 `json:"jobs_by_status"`
	AvgRuntimeSeconds *float64            `json:"avg_runtime_seconds"`
	SuccessRate       float64             `json:"success_rate"`
}

// NewJobStats derives totals and the success rate from per-status counts.
func NewJobStats(byStatus map[JobStatus]int64, avgRuntime *float64) *JobStats {
	stats := &JobStats{ByStatus: make(map[JobStatus]int64, len(byStatus)), AvgRuntimeSeconds: avgRuntime}
	for status, n := range byStatus {
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[JobStatusSuccess]) / float64(stats.Total)
	}
	return stats
}

// Sweep is a view over the jobs sharing one sweep id.
type Sweep struct {
	ID       string              `json:"id"`
	JobIDs   []string            `json:"job_ids"`
	Counts   map[JobStatus]int64 `json:"counts"`
	Complete bool                `json:"complete"`
}

// NewSweep builds the view from members ordered by sweep index.
func NewSweep(id string, members []*Job) *Sweep {
	sw := &Sweep{
		ID:       id,
		JobIDs:   make([]string, 0, len(members)),
		Counts:   make(map[JobStatus]int64),
		Complete: len(members) > 0,
	}
	for _, job := range members {
		sw.JobIDs = append(sw.JobIDs, job.ID)
		sw.Counts[job.Status]++
		if !job.Status.IsTerminal() {
			sw.Complete = false
		}
	}
	return sw
}

// Metadata is free-form caller data stored as jsonb.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || data == nil {
		return err
	}
	return json.Unmarshal(data, m)
}

func scanBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported jsonb source %T", src)
	}
}
