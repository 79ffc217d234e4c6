package taskqueue

import (
	"context"
	"time"
)

// Task is one ready (execution, state) unit of work for the worker pool.
// Retry scheduling is expressed as a delayed task via NotBefore; workers
// never sleep through a backoff themselves.
type Task struct {
	ExecutionID string
	StateName   string

	// Attempt is the upcoming invocation number for the state (1-indexed).
	// RetryRule is the retry rule index the attempt count belongs to, -1
	// when no retry is in progress.
	Attempt   int
	RetryRule int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Queue is the durable work queue between the engine and the worker pool.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
