package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sq, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return map[string]Queue{
		"memory": NewInMemoryQueue(),
		"sqlite": sq,
	}
}

func TestQueueDeliversEligibleTask(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := q.Enqueue(ctx, Task{
				ExecutionID: "e-1",
				StateName:   "Validate",
				Attempt:     1,
				RetryRule:   -1,
			})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if q.Len() != 1 {
				t.Fatalf("Len: expected 1, got %d", q.Len())
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if got.ExecutionID != "e-1" || got.StateName != "Validate" || got.Attempt != 1 || got.RetryRule != -1 {
				t.Fatalf("unexpected task: %+v", got)
			}
			if q.Len() != 0 {
				t.Fatalf("task not removed, Len=%d", q.Len())
			}
		})
	}
}

func TestQueueHonorsNotBefore(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			delay := 80 * time.Millisecond
			start := time.Now()

			err := q.Enqueue(ctx, Task{
				ExecutionID: "delayed",
				StateName:   "Retry",
				Attempt:     2,
				RetryRule:   0,
				NotBefore:   start.Add(delay),
			})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if got.ExecutionID != "delayed" {
				t.Fatalf("unexpected task: %+v", got)
			}
			if waited := time.Since(start); waited < delay {
				t.Fatalf("task delivered after %v, before its NotBefore of %v", waited, delay)
			}
		})
	}
}

func TestQueueDelayedTaskDoesNotBlockReadyOne(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Enqueue(ctx, Task{ExecutionID: "later", NotBefore: time.Now().Add(time.Minute)}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if err := q.Enqueue(ctx, Task{ExecutionID: "now"}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if got.ExecutionID != "now" {
				t.Fatalf("expected the ready task, got %+v", got)
			}
		})
	}
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			_, err := q.Dequeue(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected DeadlineExceeded, got %v", err)
			}
		})
	}
}
