package queue

import (
	"context"
	"sync"
)

// Memory is a channel-backed queue for tests and single-process sandbox
// deployments.
type Memory struct {
	tasks chan Task

	mu     sync.Mutex
	closed bool
}

// NewMemory returns an in-process queue with the given buffer size.
func NewMemory(buffer int) *Memory {
	if buffer < 1 {
		buffer = 1
	}
	return &Memory{tasks: make(chan Task, buffer)}
}

func (q *Memory) Submit(ctx context.Context, task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Consume(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *Memory) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

// Close stops accepting submissions and drains consumers once the buffer
// empties.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
