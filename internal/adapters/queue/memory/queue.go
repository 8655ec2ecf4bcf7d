// Package memory is an in-process JobQueue for single-instance deployments.
package memory

import (
	"context"
	"time"

	"simrun.engine/internal/core/ports"
)

var _ ports.JobQueue = (*Queue)(nil)

// Queue is a buffered channel of job id hints. When the buffer is full
// Enqueue drops the hint; the dispatcher registry scan picks the job up.
type Queue struct {
	ch chan string
}

func New(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{ch: make(chan string, size)}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
	default:
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
