package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a mutex-guarded slice.
// Unlike a plain channel it honors NotBefore, so delayed retries work the
// same way they do on the durable queues. Safe for concurrent use.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pollInterval: 10 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t := q.takeEligible(); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// takeEligible removes and returns the eligible task with the earliest
// NotBefore, or nil when none is due yet.
func (q *InMemoryQueue) takeEligible() *Task {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, t := range q.tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.NotBefore.Before(q.tasks[best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &t
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
