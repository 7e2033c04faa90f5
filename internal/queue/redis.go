package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a list-backed queue. LPUSH on submit, BRPOP on consume, so
// competing workers pop in FIFO order and each task is delivered once.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis builds a queue over the named list.
func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (q *Redis) Submit(ctx context.Context, task Task) error {
	body, err := encodeTask(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, body).Err()
}

// Consume blocks in bounded BRPOP slices so ctx cancellation is honored
// within a second even against servers that ignore client timeouts.
func (q *Redis) Consume(ctx context.Context) (Task, error) {
	for {
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		switch {
		case err == nil:
			// res is [key, value]
			return decodeTask([]byte(res[1]))
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
		case ctx.Err() != nil:
			return Task{}, ctx.Err()
		default:
			return Task{}, err
		}
	}
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping verifies connectivity at startup.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
