// Package queue moves admitted job references from the API to the worker
// pool. The payload on the wire is a small JSON envelope; job state itself
// lives in the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Consume once the queue has shut down.
var ErrClosed = errors.New("queue: closed")

// Task is the envelope pushed at admission time.
type Task struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}

// Queue is the broker seam between the gateway and the workers.
type Queue interface {
	// Submit enqueues a task for asynchronous processing.
	Submit(ctx context.Context, task Task) error
	// Consume blocks until a task is available or ctx is done.
	Consume(ctx context.Context) (Task, error)
	// Depth reports the current backlog, for the queue gauge.
	Depth(ctx context.Context) (int64, error)
}

func encodeTask(t Task) ([]byte, error) { return json.Marshal(t) }

func decodeTask(b []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(b, &t)
	return t, err
}
