package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"simrun.engine/internal/core/ports"
)

var _ ports.ContainerRuntime = (*FakeRuntime)(nil)

// Behavior scripts one fake container.
type Behavior struct {
	CreateErr  error
	StartErr   error
	Stdout     []string
	Stderr     []string
	Files      map[string]string // written into the output dir on start
	ExitCode   int
	RunFor     time.Duration // time between start and exit
	Forever    bool          // run until stopped or killed
	IgnoreStop bool          // ignore graceful stop, only kill ends it
}

// FakeRuntime is an in-memory ports.ContainerRuntime. Behavior is chosen
// per container by Script, or Default when Script is nil.
type FakeRuntime struct {
	Default Behavior
	Script  func(spec ports.ContainerSpec) Behavior

	mu         sync.Mutex
	containers map[string]*fakeContainer
	specs      []ports.ContainerSpec
	seq        atomic.Int64

	Created atomic.Int64
	Started atomic.Int64
	Stopped atomic.Int64
	Killed  atomic.Int64
	Removed atomic.Int64
	Running atomic.Int64
	MaxLive atomic.Int64
}

type fakeContainer struct {
	spec     ports.ContainerSpec
	behavior Behavior
	attached chan struct{}
	stdout   io.Writer
	stderr   io.Writer
	stop     chan struct{}
	kill     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	killOnce sync.Once
	exitCode int
}

func NewFakeRuntime(def Behavior) *FakeRuntime {
	return &FakeRuntime{Default: def, containers: make(map[string]*fakeContainer)}
}

func (f *FakeRuntime) get(id string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

// Specs returns every spec passed to Create.
func (f *FakeRuntime) Specs() []ports.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.ContainerSpec(nil), f.specs...)
}

func (f *FakeRuntime) Create(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	behavior := f.Default
	if f.Script != nil {
		behavior = f.Script(spec)
	}

	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if behavior.CreateErr != nil {
		return "", behavior.CreateErr
	}

	id := fmt.Sprintf("fake-%d", f.seq.Add(1))
	c := &fakeContainer{
		spec:     spec,
		behavior: behavior,
		attached: make(chan struct{}),
		stop:     make(chan struct{}),
		kill:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	f.mu.Lock()
	f.containers[id] = c
	f.mu.Unlock()
	f.Created.Add(1)
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if c.behavior.StartErr != nil {
		return c.behavior.StartErr
	}
	f.Started.Add(1)
	live := f.Running.Add(1)
	for {
		peak := f.MaxLive.Load()
		if live <= peak || f.MaxLive.CompareAndSwap(peak, live) {
			break
		}
	}

	for name, content := range c.behavior.Files {
		if c.spec.OutputDir == "" {
			break
		}
		if err := os.WriteFile(filepath.Join(c.spec.OutputDir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}

	go f.run(c)
	return nil
}

func (f *FakeRuntime) run(c *fakeContainer) {
	defer func() {
		f.Running.Add(-1)
		close(c.exited)
	}()

	select {
	case <-c.attached:
	case <-time.After(time.Second):
	}
	for _, line := range c.behavior.Stdout {
		if c.stdout != nil {
			_, _ = io.WriteString(c.stdout, line+"\n")
		}
	}
	for _, line := range c.behavior.Stderr {
		if c.stderr != nil {
			_, _ = io.WriteString(c.stderr, line+"\n")
		}
	}

	var done <-chan time.Time
	if !c.behavior.Forever {
		done = time.After(c.behavior.RunFor)
	}
	stop := c.stop
	if c.behavior.IgnoreStop {
		stop = nil
	}

	select {
	case <-done:
		c.exitCode = c.behavior.ExitCode
	case <-stop:
		c.exitCode = 143
	case <-c.kill:
		c.exitCode = 137
	}
}

func (f *FakeRuntime) Attach(ctx context.Context, id string, stdout, stderr io.Writer) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.stdout = stdout
	c.stderr = stderr
	close(c.attached)

	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeRuntime) Stop(ctx context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.Stopped.Add(1)
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (f *FakeRuntime) Kill(ctx context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.Killed.Add(1)
	c.killOnce.Do(func() { close(c.kill) })
	return nil
}

func (f *FakeRuntime) Wait(ctx context.Context, id string) (int, error) {
	c, err := f.get(id)
	if err != nil {
		return -1, err
	}
	select {
	case <-c.exited:
		return c.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *FakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	delete(f.containers, id)
	f.mu.Unlock()
	if !ok {
		return errors.New("no such container")
	}
	c.killOnce.Do(func() { close(c.kill) })
	f.Removed.Add(1)
	return nil
}

func (f *FakeRuntime) Ping(ctx context.Context) error {
	return nil
}
