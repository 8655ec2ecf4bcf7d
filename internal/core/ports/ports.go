package ports

import (
	"context"
	"io"
	"time"

	"simrun.engine/internal/core/domain"
)

// JobRegistry is the single source of truth for jobs. Status changes go
// through CompareAndSetStatus only.
type JobRegistry interface {
	Create(ctx context.Context, job *domain.Job) error
	// CreateBatch persists all jobs or none of them.
	CreateBatch(ctx context.Context, jobs []*domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter, page, size int) (*domain.JobPage, error)
	// ListQueued returns up to limit QUEUED jobs, oldest first.
	ListQueued(ctx context.Context, limit int) ([]*domain.Job, error)
	ListBySweep(ctx context.Context, sweepID string) ([]*domain.Job, error)
	// CompareAndSetStatus moves a job from expected to next and writes the
	// transition fields in the same atomic step. It fails with a conflict
	// when the stored status is not expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.JobStatus, fields domain.Transition) (*domain.Job, error)
	Stats(ctx context.Context) (*domain.JobStats, error)
	Ping(ctx context.Context) error
}

// LogStore is the durable, append-only log record of each job.
type LogStore interface {
	AppendLog(ctx context.Context, line *domain.LogLine) error
	ListLogs(ctx context.Context, jobID string) ([]*domain.LogLine, error)
}

// JobQueue carries job id hints to dispatchers. Delivery is at-least-once;
// the registry claim decides ownership.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue waits up to wait for a hint. It returns "" when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
}

// ContainerSpec describes one isolated execution unit.
type ContainerSpec struct {
	Name      string
	Image     string
	Args      []string
	Env       []string
	CPULimit  float64
	MemoryMB  int64
	OutputDir string // host directory bound at domain.ContainerOutputDir
	Labels    map[string]string
}

// ContainerRuntime is the container lifecycle the execution worker drives.
type ContainerRuntime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Attach streams combined output. stdout and stderr are written to the
	// matching writer until the container exits.
	Attach(ctx context.Context, id string, stdout, stderr io.Writer) error
	// Stop sends a graceful stop signal without waiting.
	Stop(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// ExecutionControl reaches the execution context of a locally running job.
type ExecutionControl interface {
	// RequestCancel sets the cancellation flag. found is false when this
	// instance does not own the job; already is true when the flag was set
	// before.
	RequestCancel(jobID string) (found, already bool)
}

// EventPublisher fans committed status changes out to external listeners.
type EventPublisher interface {
	PublishStatus(ctx context.Context, job *domain.Job)
}
