package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"simrun.engine/internal/artifacts"
	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/metrics"
	"simrun.engine/internal/core/ports"
	"simrun.engine/internal/logrelay"
)

type Options struct {
	Concurrency int
	// PollInterval bounds how long the dispatcher waits for a queue hint
	// before scanning the registry for queued jobs.
	PollInterval time.Duration
	Worker       WorkerOptions
}

// Dispatcher assigns queued jobs to a fixed pool of execution slots. A job is
// owned by whichever dispatcher wins the queued->claimed compare-and-set.
type Dispatcher struct {
	registry ports.JobRegistry
	queue    ports.JobQueue
	worker   *Worker
	events   ports.EventPublisher
	execs    *executions
	opts     Options
	log      *slog.Logger

	// Concurrency control
	semaphore chan struct{}
	wg        sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

func New(opts Options, registry ports.JobRegistry, queue ports.JobQueue, runtime ports.ContainerRuntime, relay *logrelay.Relay, store *artifacts.Store, events ports.EventPublisher) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		registry:  registry,
		queue:     queue,
		worker:    NewWorker(opts.Worker, registry, runtime, relay, store, events),
		events:    events,
		execs:     newExecutions(),
		opts:      opts,
		log:       logger.Get().With("component", "dispatcher"),
		semaphore: make(chan struct{}, opts.Concurrency),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Control exposes cancellation of the executions this dispatcher owns.
func (d *Dispatcher) Control() ports.ExecutionControl {
	return d.execs
}

// Active returns the number of jobs this instance currently owns.
func (d *Dispatcher) Active() int {
	return d.execs.len()
}

// Start launches the claim loop. It stops when ctx is done or Close is
// called; running jobs are not affected by ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.started.Store(true)
		metrics.SetSlots(d.opts.Concurrency)
		go d.loop(ctx)
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	d.log.Info("Dispatcher started", "slots", d.opts.Concurrency)
	for {
		// No free slot means no dequeue.
		select {
		case d.semaphore <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, exec := d.next(ctx)
		if job == nil {
			<-d.semaphore
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.semaphore }()
			defer d.execs.release(job.ID)
			d.worker.Execute(context.WithoutCancel(ctx), job, exec)
		}()
	}
}

// next returns the next job this instance claimed, or nil when nothing could
// be claimed within one poll interval.
func (d *Dispatcher) next(ctx context.Context) (*domain.Job, *execution) {
	id, err := d.queue.Dequeue(ctx, d.opts.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		d.log.Warn("Queue unavailable, falling back to registry scan", "error", err)
		select {
		case <-time.After(d.opts.PollInterval):
		case <-ctx.Done():
			return nil, nil
		}
	}
	if id != "" {
		return d.claim(ctx, id)
	}

	// No hint arrived: pick up jobs whose hint was lost.
	queued, err := d.registry.ListQueued(ctx, d.opts.Concurrency)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("Failed to scan queued jobs", "error", err)
		}
		return nil, nil
	}
	for _, candidate := range queued {
		if job, exec := d.claim(ctx, candidate.ID); job != nil {
			return job, exec
		}
	}
	return nil, nil
}

func (d *Dispatcher) claim(ctx context.Context, id string) (*domain.Job, *execution) {
	exec, err := d.execs.reserve(id)
	if err != nil {
		// Duplicate hint for a job this instance already runs.
		return nil, nil
	}

	job, err := d.registry.CompareAndSetStatus(ctx, id, domain.JobStatusQueued, domain.JobStatusClaimed, domain.Transition{})
	if err != nil {
		d.execs.release(id)
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
			metrics.RecordClaimConflict()
			d.log.Debug("Skipped job claimed elsewhere", "job_id", id, "reason", err)
			return nil, nil
		}
		if ctx.Err() == nil {
			d.log.Error("Failed to claim job", "job_id", id, "error", err)
		}
		return nil, nil
	}

	d.log.Info("Claimed job", "job_id", id)
	if d.events != nil {
		d.events.PublishStatus(ctx, job)
	}
	return job, exec
}

// Close stops claiming and waits for running jobs. When ctx expires first the
// remaining jobs are cancelled and Close waits for their teardown.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.done
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.log.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
	}

	n := d.execs.abortAll()
	d.log.Warn("Shutdown deadline reached, cancelling running jobs", "jobs", n)
	<-drained
	return fmt.Errorf("dispatcher shutdown: cancelled %d running jobs: %w", n, ctx.Err())
}
