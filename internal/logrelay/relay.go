// Package logrelay records job output and fans it out to live subscribers.
//
// Every line is appended to the durable LogStore before it is offered to
// subscribers, so a subscriber that registers first and then reads the store
// sees each line at least once; duplicates are dropped by sequence number.
package logrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/ports"
)

var (
	// ErrSlowConsumer ends a subscription whose buffer overflowed.
	ErrSlowConsumer = errors.New("log subscriber could not keep up")
	ErrTopicClosed  = errors.New("log topic closed")
)

// JobReader is the part of the registry the relay needs to detect the end of
// a job it does not execute itself.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

type Options struct {
	// BufferSize bounds the live lines held for one subscriber.
	BufferSize int
	// PollInterval is how often a subscriber re-checks job status and the
	// store when no live line arrived.
	PollInterval time.Duration
}

type Relay struct {
	store  ports.LogStore
	jobs   JobReader
	opts   Options
	log    *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	jobID  string
	mu     sync.Mutex
	seq    int64
	closed bool
	subs   map[*Subscription]struct{}
}

func New(store ports.LogStore, jobs JobReader, opts Options) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Relay{
		store:  store,
		jobs:   jobs,
		opts:   opts,
		log:    logger.Get().With("component", "logrelay"),
		now:    time.Now,
		topics: make(map[string]*topic),
	}
}

func (r *Relay) topic(jobID string) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[jobID]
	if !ok {
		t = &topic{jobID: jobID, subs: make(map[*Subscription]struct{})}
		r.topics[jobID] = t
	}
	return t
}

// Publish appends one line and offers it to every live subscriber without
// blocking. Subscribers with a full buffer are evicted.
func (r *Relay) Publish(ctx context.Context, jobID string, stream domain.LogStream, text string) error {
	t := r.topic(jobID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTopicClosed
	}

	line := domain.LogLine{
		JobID:  jobID,
		Seq:    t.seq + 1,
		Time:   r.now(),
		Stream: stream,
		Text:   text,
	}
	if err := r.store.AppendLog(ctx, &line); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	t.seq = line.Seq

	for sub := range t.subs {
		select {
		case sub.live <- line:
		default:
			sub.evicted.Store(true)
			close(sub.live)
			delete(t.subs, sub)
			r.log.Warn("Dropped slow log subscriber", "job_id", jobID, "seq", line.Seq)
		}
	}
	return nil
}

// Close ends the live stream of a job. Subscribers finish after draining
// what they already received.
func (r *Relay) Close(jobID string) {
	r.mu.Lock()
	t, ok := r.topics[jobID]
	delete(r.topics, jobID)
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		close(sub.live)
		delete(t.subs, sub)
	}
}

// Lines returns the recorded log of a job.
func (r *Relay) Lines(ctx context.Context, jobID string) ([]*domain.LogLine, error) {
	return r.store.ListLogs(ctx, jobID)
}

// Text returns the recorded log of a job as newline separated text.
func (r *Relay) Text(ctx context.Context, jobID string) (string, time.Time, error) {
	lines, err := r.store.ListLogs(ctx, jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	var b strings.Builder
	var last time.Time
	for _, line := range lines {
		b.WriteString(line.Text)
		b.WriteByte('\n')
		last = line.Time
	}
	return b.String(), last, nil
}

// Subscription delivers the recorded lines of a job followed by live lines,
// in sequence order, until the job ends.
type Subscription struct {
	jobID   string
	lines   chan domain.LogLine
	live    chan domain.LogLine
	evicted atomic.Bool
	cancel  context.CancelFunc
	errMu   sync.Mutex
	err     error
}

// Lines is closed when the stream ends. Check Err afterwards.
func (s *Subscription) Lines() <-chan domain.LogLine {
	return s.lines
}

// Err reports why the stream ended early; nil means the job finished.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the subscription.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Subscribe attaches to a job's log. It fails with the registry error when
// the job does not exist.
func (r *Relay) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		jobID:  jobID,
		lines:  make(chan domain.LogLine),
		live:   make(chan domain.LogLine, r.opts.BufferSize),
		cancel: cancel,
	}

	t := r.topic(jobID)
	t.mu.Lock()
	if t.closed {
		close(sub.live)
	} else {
		t.subs[sub] = struct{}{}
	}
	t.mu.Unlock()

	// Registered before the status check so that a job finishing in between
	// is seen either here or through the closed topic.
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		r.unsubscribe(t, sub)
		cancel()
		return nil, err
	}

	go r.pump(ctx, t, sub, job.Status.IsTerminal())
	return sub, nil
}

func (r *Relay) pump(ctx context.Context, t *topic, sub *Subscription, finished bool) {
	defer close(sub.lines)
	defer sub.cancel()
	defer r.unsubscribe(t, sub)

	var last int64
	deliver := func(line domain.LogLine) bool {
		if line.Seq <= last {
			return true
		}
		select {
		case sub.lines <- line:
			last = line.Seq
			return true
		case <-ctx.Done():
			sub.setErr(ctx.Err())
			return false
		}
	}
	catchUp := func() bool {
		stored, err := r.store.ListLogs(ctx, sub.jobID)
		if err != nil {
			sub.setErr(err)
			return false
		}
		for _, line := range stored {
			if !deliver(*line) {
				return false
			}
		}
		return true
	}

	if !catchUp() || finished {
		return
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	active := false
	for {
		select {
		case line, ok := <-sub.live:
			if !ok {
				if sub.evicted.Load() {
					sub.setErr(ErrSlowConsumer)
				}
				return
			}
			active = true
			if !deliver(line) {
				return
			}
		case <-ticker.C:
			job, err := r.jobs.Get(ctx, sub.jobID)
			if err != nil {
				sub.setErr(err)
				return
			}
			if job.Status.IsTerminal() {
				catchUp()
				return
			}
			// Jobs executed by another instance only reach this one
			// through the store.
			if !active && !catchUp() {
				return
			}
			active = false
		case <-ctx.Done():
			sub.setErr(ctx.Err())
			return
		}
	}
}

func (r *Relay) unsubscribe(t *topic, sub *Subscription) {
	t.mu.Lock()
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(sub.live)
	}
	unused := len(t.subs) == 0 && t.seq == 0 && !t.closed
	t.mu.Unlock()

	if unused {
		r.mu.Lock()
		if r.topics[t.jobID] == t {
			delete(r.topics, t.jobID)
		}
		r.mu.Unlock()
	}
}
