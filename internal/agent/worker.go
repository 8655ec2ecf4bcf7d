package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"simrun.engine/internal/artifacts"
	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/metrics"
	"simrun.engine/internal/core/ports"
	"simrun.engine/internal/core/tracing"
	"simrun.engine/internal/logrelay"
)

const (
	cancelledByUser     = "cancelled by user"
	cancelledByShutdown = "cancelled: engine shutting down"
	stderrTailLines     = 5
	teardownTimeout     = 30 * time.Second
)

type WorkerOptions struct {
	ScratchPath string
	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout   time.Duration
	GracePeriod      time.Duration
	WatchdogInterval time.Duration
	// CancelCheckEvery is the number of watchdog ticks between reads of the
	// durable cancel flag.
	CancelCheckEvery int
	// CommitTimeout bounds the retries of the terminal status write.
	CommitTimeout time.Duration
}

func (o *WorkerOptions) setDefaults() {
	if o.ScratchPath == "" {
		o.ScratchPath = os.TempDir()
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = time.Hour
	}
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 500 * time.Millisecond
	}
	if o.CancelCheckEvery <= 0 {
		o.CancelCheckEvery = 4
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = time.Minute
	}
}

// Worker drives one claimed job through its container lifecycle.
type Worker struct {
	registry ports.JobRegistry
	runtime  ports.ContainerRuntime
	relay    *logrelay.Relay
	store    *artifacts.Store
	events   ports.EventPublisher
	opts     WorkerOptions
}

func NewWorker(opts WorkerOptions, registry ports.JobRegistry, runtime ports.ContainerRuntime, relay *logrelay.Relay, store *artifacts.Store, events ports.EventPublisher) *Worker {
	opts.setDefaults()
	return &Worker{
		registry: registry,
		runtime:  runtime,
		relay:    relay,
		store:    store,
		events:   events,
		opts:     opts,
	}
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancel
	stopTimeout
)

type exitResult struct {
	code int
	err  error
}

// outcome is the terminal state a run resolved to.
type outcome struct {
	status   domain.JobStatus
	exitCode *int
	message  string
}

func intPtr(v int) *int { return &v }

// Execute runs a job that this instance has claimed. It returns once the
// job is terminal and its container is gone.
func (w *Worker) Execute(ctx context.Context, job *domain.Job, exec *execution) {
	log := logger.ForJob(job.ID)
	ctx = logger.WithJobID(ctx, job.ID)
	ctx, span := tracing.StartSpan(ctx, "job.execute", job.ID)
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	startedAt := time.Now().UTC()
	running, err := w.registry.CompareAndSetStatus(ctx, job.ID, domain.JobStatusClaimed, domain.JobStatusRunning,
		domain.Transition{StartedAt: &startedAt})
	if err != nil {
		// The claim was lost or the registry is down; nothing was launched.
		log.Error("Failed to mark job running", "error", err)
		spanErr = err
		return
	}
	w.publishEvent(ctx, running)

	metrics.IncRunning()
	defer metrics.DecRunning()

	var result outcome
	if exec.cancelRequested.Load() || running.CancelRequested {
		log.Info("Job cancelled before launch")
		result = outcome{status: domain.JobStatusCancelled, message: w.cancelMessage(exec)}
	} else {
		result = w.run(ctx, log, running, exec)
	}

	if result.status == domain.JobStatusFailed {
		spanErr = errors.New(result.message)
	}
	w.finish(ctx, log, running, result)
}

func (w *Worker) cancelMessage(exec *execution) string {
	if exec.shutdown.Load() {
		return cancelledByShutdown
	}
	return cancelledByUser
}

func (w *Worker) timeoutFor(job *domain.Job) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return w.opts.DefaultTimeout
}

// commandLine is the workload executable followed by the parameter flags.
func commandLine(job *domain.Job) []string {
	command := job.Command
	if len(command) == 0 {
		command = domain.WorkloadCommand(job.Workload)
	}
	args := append([]string(nil), command...)
	args = append(args, job.Params.Args()...)
	return append(args, "--output_dir", domain.ContainerOutputDir)
}

func (w *Worker) launchFailed(ctx context.Context, log *slog.Logger, jobID, op string, cause error) outcome {
	err := apperrors.Launch(op, cause)
	log.Error("Failed to launch job", "op", op, "error", cause)
	metrics.RecordLaunchFailure()
	w.system(ctx, jobID, "ERROR: "+err.Error())
	return outcome{status: domain.JobStatusFailed, exitCode: intPtr(-1), message: err.Error()}
}

// run launches the container, supervises it and collects its output.
func (w *Worker) run(ctx context.Context, log *slog.Logger, job *domain.Job, exec *execution) outcome {
	if err := os.MkdirAll(w.opts.ScratchPath, 0o755); err != nil {
		return w.launchFailed(ctx, log, job.ID, "scratch", err)
	}
	scratch, err := os.MkdirTemp(w.opts.ScratchPath, job.ID+"-")
	if err != nil {
		return w.launchFailed(ctx, log, job.ID, "scratch", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("Failed to remove scratch dir", "path", scratch, "error", err)
		}
	}()
	// The simulation may run as a non-root user.
	if err := os.Chmod(scratch, 0o777); err != nil {
		return w.launchFailed(ctx, log, job.ID, "scratch", err)
	}
	if _, err := w.store.Prepare(job.ID); err != nil {
		return w.launchFailed(ctx, log, job.ID, "artifacts", err)
	}

	spec := ports.ContainerSpec{
		Name:      "simrun-" + job.ID,
		Image:     job.Image,
		Args:      commandLine(job),
		Env:       append([]string{"JOB_ID=" + job.ID, "OUTPUT_DIR=" + domain.ContainerOutputDir}, job.Params.Env()...),
		CPULimit:  job.CPULimit,
		MemoryMB:  job.MemoryMB,
		OutputDir: scratch,
		Labels: map[string]string{
			"simrun.job_id":   job.ID,
			"simrun.workload": job.Workload,
		},
	}

	containerID, err := w.runtime.Create(ctx, spec)
	if err != nil {
		return w.launchFailed(ctx, log, job.ID, "create", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := w.runtime.Remove(rmCtx, containerID); err != nil {
			log.Warn("Failed to remove container", "container_id", containerID, "error", err)
		}
	}()

	if err := w.runtime.Start(ctx, containerID); err != nil {
		return w.launchFailed(ctx, log, job.ID, "start", err)
	}
	log.Info("Container started", "container_id", shortID(containerID), "image", job.Image)

	stdout := newLineWriter(func(line string) { w.publish(ctx, job.ID, domain.StreamStdout, line) }, 0)
	stderr := newLineWriter(func(line string) { w.publish(ctx, job.ID, domain.StreamStderr, line) }, stderrTailLines)

	attachCtx, stopAttach := context.WithCancel(ctx)
	defer stopAttach()
	attached := make(chan struct{})
	go func() {
		defer close(attached)
		if err := w.runtime.Attach(attachCtx, containerID, stdout, stderr); err != nil && attachCtx.Err() == nil {
			log.Warn("Log capture ended with error", "error", err)
		}
	}()

	exited := make(chan exitResult, 1)
	go func() {
		code, err := w.runtime.Wait(context.WithoutCancel(ctx), containerID)
		exited <- exitResult{code: code, err: err}
	}()

	timeout := w.timeoutFor(job)
	reason, res := w.watch(ctx, log, job.ID, containerID, exec, time.Now().Add(timeout), exited)

	// Give the capture goroutine a moment to drain what the container wrote.
	select {
	case <-attached:
	case <-time.After(w.opts.GracePeriod + time.Second):
		stopAttach()
		<-attached
	}
	stdout.Flush()
	stderr.Flush()

	var result outcome
	switch {
	case reason == stopCancel:
		result = outcome{status: domain.JobStatusCancelled, exitCode: intPtr(res.code), message: w.cancelMessage(exec)}
	case reason == stopTimeout:
		msg := apperrors.Timeout(int(timeout / time.Second)).Error()
		w.system(ctx, job.ID, "ERROR: "+msg)
		result = outcome{status: domain.JobStatusFailed, exitCode: intPtr(res.code), message: msg}
	case res.err != nil:
		msg := apperrors.Internal("wait for container", res.err).Error()
		w.system(ctx, job.ID, "ERROR: "+msg)
		result = outcome{status: domain.JobStatusFailed, exitCode: intPtr(-1), message: msg}
	case res.code == 0:
		result = outcome{status: domain.JobStatusSuccess, exitCode: intPtr(0)}
	default:
		msg := fmt.Sprintf("exit code %d", res.code)
		if tail := stderr.Tail(); tail != "" {
			msg += ": " + tail
		}
		result = outcome{status: domain.JobStatusFailed, exitCode: intPtr(res.code), message: msg}
	}

	n, err := w.store.Collect(job.ID, scratch)
	if err != nil {
		log.Error("Failed to collect artifacts", "error", err)
		w.system(ctx, job.ID, "ERROR: failed to collect results: "+err.Error())
	} else {
		log.Debug("Collected artifacts", "files", n)
	}
	return result
}

// watch polls the cancel flags and the deadline until the container exits,
// stopping it when either trips.
func (w *Worker) watch(ctx context.Context, log *slog.Logger, jobID, containerID string, exec *execution, deadline time.Time, exited <-chan exitResult) (stopReason, exitResult) {
	ticker := time.NewTicker(w.opts.WatchdogInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case res := <-exited:
			return stopNone, res
		case <-ticker.C:
			ticks++
			reason := stopNone
			switch {
			case exec.cancelRequested.Load():
				reason = stopCancel
			case ticks%w.opts.CancelCheckEvery == 0 && w.durableCancel(ctx, jobID):
				exec.cancelRequested.Store(true)
				reason = stopCancel
			case time.Now().After(deadline):
				reason = stopTimeout
			}
			if reason == stopNone {
				continue
			}
			log.Info("Stopping container", "reason", reasonName(reason))
			return reason, w.terminate(ctx, log, containerID, exited)
		}
	}
}

func (w *Worker) durableCancel(ctx context.Context, jobID string) bool {
	job, err := w.registry.Get(ctx, jobID)
	if err != nil {
		logger.ForJob(jobID).Warn("Failed to read cancel flag", "error", err)
		return false
	}
	return job.CancelRequested
}

// terminate sends a graceful stop, waits out the grace period and then
// force-kills.
func (w *Worker) terminate(ctx context.Context, log *slog.Logger, containerID string, exited <-chan exitResult) exitResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := w.runtime.Stop(ctx, containerID); err != nil {
		log.Warn("Graceful stop failed", "error", err)
	}

	grace := time.NewTimer(w.opts.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-exited:
		return res
	case <-grace.C:
	}

	log.Warn("Container ignored stop, killing", "grace", w.opts.GracePeriod)
	if err := w.runtime.Kill(ctx, containerID); err != nil {
		log.Error("Kill failed", "error", err)
	}
	select {
	case res := <-exited:
		return res
	case <-ctx.Done():
		return exitResult{code: -1, err: ctx.Err()}
	}
}

// finish commits the terminal state, retrying registry errors, and then ends
// the job's log stream.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, job *domain.Job, result outcome) {
	if result.status == domain.JobStatusCancelled {
		w.system(ctx, job.ID, result.message)
	}

	ctx = context.WithoutCancel(ctx)
	finishedAt := time.Now().UTC()
	fields := domain.Transition{FinishedAt: &finishedAt, ExitCode: result.exitCode}
	if result.message != "" {
		fields.Error = &result.message
	}

	final, err := w.commit(ctx, log, job.ID, result.status, fields)
	w.relay.Close(job.ID)
	if err != nil {
		log.Error("Failed to record job result", "status", result.status, "error", err)
		return
	}

	var runtime time.Duration
	if d, ok := final.Runtime(); ok {
		runtime = d
	}
	metrics.RecordFinished(string(final.Status), runtime)
	w.publishEvent(ctx, final)

	args := []any{"status", final.Status, "runtime", runtime}
	if final.ExitCode != nil {
		args = append(args, "exit_code", *final.ExitCode)
	}
	if final.Status == domain.JobStatusFailed {
		log.Warn("Job finished", append(args, "error", final.Error)...)
		return
	}
	log.Info("Job finished", args...)
}

func (w *Worker) commit(ctx context.Context, log *slog.Logger, jobID string, status domain.JobStatus, fields domain.Transition) (*domain.Job, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	final, err := backoff.Retry(ctx, func() (*domain.Job, error) {
		committed, err := w.registry.CompareAndSetStatus(ctx, jobID, domain.JobStatusRunning, status, fields)
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return committed, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(w.opts.CommitTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("Retrying job result write", "status", status, "retry_in", next, "error", err)
		}),
	)
	if err == nil || !errors.Is(err, apperrors.ErrConflict) {
		return final, err
	}

	// A write that failed on the way back may still have landed.
	current, getErr := w.registry.Get(ctx, jobID)
	if getErr == nil && current.Status == status {
		return current, nil
	}
	return nil, err
}

func (w *Worker) publish(ctx context.Context, jobID string, stream domain.LogStream, text string) {
	if err := w.relay.Publish(ctx, jobID, stream, text); err != nil {
		logger.ForJob(jobID).Debug("Dropped log line", "stream", stream, "error", err)
	}
}

func (w *Worker) system(ctx context.Context, jobID, text string) {
	w.publish(ctx, jobID, domain.StreamSystem, text)
}

func (w *Worker) publishEvent(ctx context.Context, job *domain.Job) {
	if w.events != nil {
		w.events.PublishStatus(ctx, job)
	}
}

func reasonName(r stopReason) string {
	switch r {
	case stopCancel:
		return "cancel"
	case stopTimeout:
		return "timeout"
	}
	return "none"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// lineWriter splits a byte stream into lines, optionally remembering the
// last few.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
	keep int
	tail []string
}

func newLineWriter(emit func(string), keep int) *lineWriter {
	return &lineWriter{emit: emit, keep: keep}
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.line(string(bytes.TrimRight(l.buf[:i], "\r")))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (l *lineWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.line(string(l.buf))
		l.buf = nil
	}
}

func (l *lineWriter) line(s string) {
	l.emit(s)
	if l.keep == 0 || strings.TrimSpace(s) == "" {
		return
	}
	l.tail = append(l.tail, s)
	if len(l.tail) > l.keep {
		l.tail = l.tail[len(l.tail)-l.keep:]
	}
}

// Tail returns the remembered lines joined by newlines.
func (l *lineWriter) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, "\n")
}
