package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queuemem "simrun.engine/internal/adapters/queue/memory"
	"simrun.engine/internal/adapters/repository/memory"
	"simrun.engine/internal/artifacts"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/logrelay"
	"simrun.engine/internal/testutil"
)

type recordedEvents struct {
	mu    sync.Mutex
	byJob map[string][]domain.JobStatus
}

func (r *recordedEvents) PublishStatus(ctx context.Context, job *domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byJob == nil {
		r.byJob = make(map[string][]domain.JobStatus)
	}
	r.byJob[job.ID] = append(r.byJob[job.ID], job.Status)
}

func (r *recordedEvents) statuses(id string) []domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobStatus(nil), r.byJob[id]...)
}

type harness struct {
	repo       *memory.Repository
	queue      *queuemem.Queue
	runtime    *testutil.FakeRuntime
	store      *artifacts.Store
	events     *recordedEvents
	dispatcher *Dispatcher
}

func testOptions(t *testing.T) Options {
	return Options{
		Concurrency:  2,
		PollInterval: 20 * time.Millisecond,
		Worker: WorkerOptions{
			ScratchPath:      t.TempDir(),
			DefaultTimeout:   10 * time.Second,
			GracePeriod:      100 * time.Millisecond,
			WatchdogInterval: 10 * time.Millisecond,
			CancelCheckEvery: 2,
		},
	}
}

func newHarness(t *testing.T, rt *testutil.FakeRuntime, opts Options) *harness {
	t.Helper()
	return newHarnessOn(t, memory.NewRepository(), rt, opts)
}

// newHarnessOn starts a dispatcher with its own queue over a shared registry.
func newHarnessOn(t *testing.T, repo *memory.Repository, rt *testutil.FakeRuntime, opts Options) *harness {
	t.Helper()

	store, err := artifacts.NewStore(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		repo:    repo,
		queue:   queuemem.New(64),
		runtime: rt,
		store:   store,
		events:  &recordedEvents{},
	}
	relay := logrelay.New(repo, repo, logrelay.Options{PollInterval: 20 * time.Millisecond})
	h.dispatcher = New(opts, repo, h.queue, rt, relay, store, h.events)
	h.dispatcher.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.dispatcher.Close(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, timeoutSeconds int) string {
	t.Helper()
	job := &domain.Job{
		ID:             uuid.NewString(),
		Status:         domain.JobStatusQueued,
		Workload:       domain.WorkloadHeat1D,
		Image:          "sim:test",
		Params:         domain.Params{{Name: "time_steps", Value: int64(10)}, {Name: "diffusivity", Value: 0.5}},
		TimeoutSeconds: timeoutSeconds,
		CPULimit:       1,
		MemoryMB:       256,
	}
	require.NoError(t, h.repo.Create(context.Background(), job))
	return job.ID
}

func (h *harness) submit(t *testing.T, timeoutSeconds int) string {
	t.Helper()
	id := h.create(t, timeoutSeconds)
	require.NoError(t, h.queue.Enqueue(context.Background(), id))
	return id
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.JobStatus) *domain.Job {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		return h.get(t, id).Status == want
	}, "job "+id+" never reached "+string(want))
	return h.get(t, id)
}

func (h *harness) logText(t *testing.T, id string) []string {
	t.Helper()
	lines, err := h.repo.ListLogs(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestJobRunsToSuccess(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{
		Stdout: []string{"step 1", "done"},
		Files:  map[string]string{"result.csv": "x,u\n0,1\n"},
	})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	job := h.waitStatus(t, id, domain.JobStatusSuccess)

	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	assert.False(t, job.FinishedAt.Before(*job.StartedAt))
	assert.Equal(t, []string{"step 1", "done"}, h.logText(t, id))

	ok, err := h.store.HasArtifacts(id)
	require.NoError(t, err)
	assert.True(t, ok)

	specs := rt.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"python", "/sim/run_sim.py", "--time_steps", "10", "--diffusivity", "0.5", "--output_dir", domain.ContainerOutputDir}, specs[0].Args)
	assert.Contains(t, specs[0].Env, "JOB_ID="+id)
	assert.Contains(t, specs[0].Env, "PARAM_TIME_STEPS=10")
	assert.Equal(t, int64(256), specs[0].MemoryMB)
	assert.Equal(t, "sim:test", specs[0].Image)

	testutil.MustWaitFor(t, func() bool { return rt.Removed.Load() == 1 }, "container not removed")
	testutil.MustWaitFor(t, func() bool { return h.dispatcher.Active() == 0 }, "execution not released")
	assert.NoDirExists(t, specs[0].OutputDir)
	testutil.MustWaitFor(t, func() bool { return len(h.events.statuses(id)) == 3 }, "events not published")
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusClaimed, domain.JobStatusRunning, domain.JobStatusSuccess},
		h.events.statuses(id))
}

func TestNonZeroExitFails(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{
		Stderr:   []string{"reading config", "ERROR: Simulation failed: unstable"},
		ExitCode: 2,
	})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	job := h.waitStatus(t, id, domain.JobStatusFailed)

	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 2, *job.ExitCode)
	assert.True(t, strings.HasPrefix(job.Error, "exit code 2: "), job.Error)
	assert.Contains(t, job.Error, "Simulation failed: unstable")
}

func TestLaunchFailure(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{CreateErr: errors.New("no such image: sim:test")})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	job := h.waitStatus(t, id, domain.JobStatusFailed)

	require.NotNil(t, job.ExitCode)
	assert.Equal(t, -1, *job.ExitCode)
	assert.True(t, strings.HasPrefix(job.Error, "launch error: "), job.Error)
	assert.Equal(t, int64(0), rt.Started.Load())
	assert.Equal(t, int64(0), rt.Removed.Load())

	logs := h.logText(t, id)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1], "launch error")
}

func TestTimeoutForceKills(t *testing.T) {
	tests := []struct {
		name       string
		behavior   testutil.Behavior
		wantKilled bool
	}{
		{name: "honours stop", behavior: testutil.Behavior{Forever: true}},
		{name: "ignores stop", behavior: testutil.Behavior{Forever: true, IgnoreStop: true}, wantKilled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := testutil.NewFakeRuntime(tt.behavior)
			h := newHarness(t, rt, testOptions(t))

			id := h.submit(t, 1)
			job := h.waitStatus(t, id, domain.JobStatusFailed)

			assert.Equal(t, "timeout: exceeded 1s", job.Error)
			require.NotNil(t, job.StartedAt)
			require.NotNil(t, job.FinishedAt)
			elapsed := job.FinishedAt.Sub(*job.StartedAt)
			assert.GreaterOrEqual(t, elapsed, time.Second)
			assert.Less(t, elapsed, 5*time.Second)
			assert.Equal(t, int64(1), rt.Stopped.Load())
			if tt.wantKilled {
				assert.Equal(t, int64(1), rt.Killed.Load())
				assert.Equal(t, 137, *job.ExitCode)
			} else {
				assert.Equal(t, int64(0), rt.Killed.Load())
			}
		})
	}
}

func TestLocalCancel(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{Forever: true, Stdout: []string{"running"}})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	h.waitStatus(t, id, domain.JobStatusRunning)
	testutil.MustWaitFor(t, func() bool { return rt.Started.Load() == 1 }, "container not started")
	// The artifact directory exists before the workload writes anything.
	assert.DirExists(t, filepath.Join(h.store.Root(), id))

	found, already := h.dispatcher.Control().RequestCancel(id)
	assert.True(t, found)
	assert.False(t, already)
	_, already = h.dispatcher.Control().RequestCancel(id)
	assert.True(t, already)

	job := h.waitStatus(t, id, domain.JobStatusCancelled)
	assert.Equal(t, "cancelled by user", job.Error)
	assert.NotNil(t, job.FinishedAt)
}

func TestDurableCancelFlagIsObserved(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{Forever: true})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	h.waitStatus(t, id, domain.JobStatusRunning)

	// Another instance persists the request without reaching this worker.
	flag := true
	_, err := h.repo.CompareAndSetStatus(context.Background(), id, domain.JobStatusRunning, domain.JobStatusRunning,
		domain.Transition{CancelRequested: &flag})
	require.NoError(t, err)

	job := h.waitStatus(t, id, domain.JobStatusCancelled)
	assert.Equal(t, "cancelled by user", job.Error)
}

func TestConcurrencyIsBounded(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{RunFor: 100 * time.Millisecond})
	h := newHarness(t, rt, testOptions(t))

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = h.submit(t, 0)
	}
	for _, id := range ids {
		h.waitStatus(t, id, domain.JobStatusSuccess)
	}

	assert.Equal(t, int64(6), rt.Started.Load())
	assert.LessOrEqual(t, rt.MaxLive.Load(), int64(2))
}

func TestDuplicateHintsRunOnce(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{RunFor: 50 * time.Millisecond})
	h := newHarness(t, rt, testOptions(t))

	id := h.create(t, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.queue.Enqueue(context.Background(), id))
	}
	h.waitStatus(t, id, domain.JobStatusSuccess)

	// Let the remaining hints drain.
	testutil.MustWaitFor(t, func() bool { return h.queue.Len() == 0 }, "hints not drained")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), rt.Created.Load())
}

func TestLostHintIsRecoveredByScan(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{})
	h := newHarness(t, rt, testOptions(t))

	id := h.create(t, 0)
	h.waitStatus(t, id, domain.JobStatusSuccess)
}

func TestCancelledJobIsNotDispatched(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{})
	h := newHarness(t, rt, testOptions(t))

	id := h.create(t, 0)
	_, err := h.repo.CompareAndSetStatus(context.Background(), id, domain.JobStatusQueued, domain.JobStatusCancelled, domain.Transition{})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), id))

	testutil.MustWaitFor(t, func() bool { return h.queue.Len() == 0 }, "hint not consumed")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), rt.Created.Load())
	assert.Equal(t, domain.JobStatusCancelled, h.get(t, id).Status)
}

func TestCloseWaitsForRunningJobs(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{RunFor: 200 * time.Millisecond})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	h.waitStatus(t, id, domain.JobStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Close(ctx))
	assert.Equal(t, domain.JobStatusSuccess, h.get(t, id).Status)

	// No new claims after Close.
	late := h.submit(t, 0)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.JobStatusQueued, h.get(t, late).Status)
}

func TestCloseDeadlineCancelsRunningJobs(t *testing.T) {
	rt := testutil.NewFakeRuntime(testutil.Behavior{Forever: true})
	h := newHarness(t, rt, testOptions(t))

	id := h.submit(t, 0)
	h.waitStatus(t, id, domain.JobStatusRunning)
	testutil.MustWaitFor(t, func() bool { return rt.Started.Load() == 1 }, "container not started")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.dispatcher.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job := h.get(t, id)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, "cancelled: engine shutting down", job.Error)
	assert.Equal(t, int64(1), rt.Removed.Load())
}

func TestDispatchersSharingRegistryRunEachJobOnce(t *testing.T) {
	const jobs = 12
	repo := memory.NewRepository()
	rt := testutil.NewFakeRuntime(testutil.Behavior{RunFor: 20 * time.Millisecond})
	a := newHarnessOn(t, repo, rt, testOptions(t))
	b := newHarnessOn(t, repo, rt, testOptions(t))

	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := a.create(t, 0)
		require.NoError(t, a.queue.Enqueue(context.Background(), id))
		require.NoError(t, b.queue.Enqueue(context.Background(), id))
		ids = append(ids, id)
	}

	for _, id := range ids {
		a.waitStatus(t, id, domain.JobStatusSuccess)
	}
	testutil.MustWaitFor(t, func() bool {
		return a.dispatcher.Active() == 0 && b.dispatcher.Active() == 0
	}, "executions not released")

	assert.Equal(t, int64(jobs), rt.Created.Load())
	for _, id := range ids {
		var claims, runs int
		for _, status := range append(a.events.statuses(id), b.events.statuses(id)...) {
			switch status {
			case domain.JobStatusClaimed:
				claims++
			case domain.JobStatusRunning:
				runs++
			}
		}
		assert.Equal(t, 1, claims, "job %s claimed more than once", id)
		assert.Equal(t, 1, runs, "job %s ran more than once", id)
	}
}
