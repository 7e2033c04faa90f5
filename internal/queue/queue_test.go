package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisQueue(t *testing.T) *Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "underwrite:jobs")
}

func TestRedisSubmitConsumeFIFO(t *testing.T) {
	q := testRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"uwo_a", "uwo_b", "uwo_c"} {
		if err := q.Submit(ctx, Task{JobID: id, TenantID: "tenant_x"}); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("Depth = %d, %v, want 3", depth, err)
	}

	for _, want := range []string{"uwo_a", "uwo_b", "uwo_c"} {
		task, err := q.Consume(ctx)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if task.JobID != want || task.TenantID != "tenant_x" {
			t.Fatalf("task = %+v, want job %s", task, want)
		}
	}
}

func TestRedisConsumeHonorsContext(t *testing.T) {
	q := testRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Consume on empty queue = %v, want deadline exceeded", err)
	}
}

func TestMemorySubmitConsume(t *testing.T) {
	q := NewMemory(8)
	ctx := context.Background()

	if err := q.Submit(ctx, Task{JobID: "uwo_1", TenantID: "t"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("Depth = %d, want 1", depth)
	}

	task, err := q.Consume(ctx)
	if err != nil || task.JobID != "uwo_1" {
		t.Fatalf("Consume = %+v, %v", task, err)
	}
}

func TestMemoryCloseRejectsSubmit(t *testing.T) {
	q := NewMemory(1)
	q.Close()
	if err := q.Submit(context.Background(), Task{JobID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after close = %v, want ErrClosed", err)
	}
	if _, err := q.Consume(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Consume after close = %v, want ErrClosed", err)
	}
}
