//go:build integration

package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient *redis.Client

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("connect to docker: %v", err)
	}

	resource, err := pool.Run("redis", "7-alpine", nil)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	_ = resource.Expire(120)

	pool.MaxWait = 30 * time.Second
	err = pool.Retry(func() error {
		testClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%s", resource.GetPort("6379/tcp"))})
		return testClient.Ping(context.Background()).Err()
	})
	if err != nil {
		_ = pool.Purge(resource)
		log.Fatalf("redis not ready: %v", err)
	}

	code := m.Run()
	_ = testClient.Close()
	if err := pool.Purge(resource); err != nil {
		log.Printf("purge redis: %v", err)
	}
	os.Exit(code)
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return NewAdapterFromClient(testClient, "test:"+uuid.NewString())
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := newTestAdapter(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDequeueEmptyReturnsNoHint(t *testing.T) {
	q := newTestAdapter(t)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestDequeueHonoursContext(t *testing.T) {
	q := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateHintsAreDelivered(t *testing.T) {
	q := newTestAdapter(t)
	ctx := context.Background()

	// Duplicates are resolved by the registry claim, not the transport.
	require.NoError(t, q.Enqueue(ctx, "dup"))
	require.NoError(t, q.Enqueue(ctx, "dup"))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dup", first)
	assert.Equal(t, "dup", second)
}
