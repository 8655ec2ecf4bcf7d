package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	ctx := context.Background()
	q := New(2)

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	require.NoError(t, q.Enqueue(ctx, "c"), "full queue drops instead of blocking")
	assert.Equal(t, 2, q.Len())

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, _ = q.Dequeue(ctx, time.Second)
	id, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id, "empty queue returns no hint after wait")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Dequeue(cancelled, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
