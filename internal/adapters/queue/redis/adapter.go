package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"simrun.engine/internal/core/ports"
)

const JobQueueKey = "simrun:jobs:queue"

var _ ports.JobQueue = (*Adapter)(nil)

// Adapter is a redis list of job id hints.
type Adapter struct {
	client *redis.Client
	key    string
}

func NewAdapter(url string) (*Adapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Adapter{client: client, key: JobQueueKey}, client, nil
}

func NewAdapterFromClient(client *redis.Client, key string) *Adapter {
	if key == "" {
		key = JobQueueKey
	}
	return &Adapter{client: client, key: key}
}

func (a *Adapter) Enqueue(ctx context.Context, jobID string) error {
	return a.client.RPush(ctx, a.key, jobID).Err()
}

// Dequeue blocks up to wait. A nil reply from BLPOP means no hint arrived.
func (a *Adapter) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	res, err := a.client.BLPop(ctx, wait, a.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	// res[0] is key, res[1] is value
	return res[1], nil
}

// Len reports the number of pending hints.
func (a *Adapter) Len(ctx context.Context) (int64, error) {
	return a.client.LLen(ctx, a.key).Result()
}
