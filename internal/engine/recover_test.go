package engine

import (
	"context"
	"testing"

	"github.com/petrijr/visionflow/internal/persistence"
	"github.com/petrijr/visionflow/internal/taskqueue"
	"github.com/petrijr/visionflow/pkg/api"
)

// TestRecoverResumesFromLatestRecord simulates a crash: the first process
// dequeues and completes one transition, then dies before handling the next
// unit. A second process sharing the store rebuilds its queue via Recover
// and finishes the execution without re-running the completed task.
func TestRecoverResumesFromLatestRecord(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	newEngine := func() (api.Engine, taskqueue.Queue) {
		q := taskqueue.NewInMemoryQueue()
		eng, err := New(Config{
			Persistence: persistence.Persistence{Machines: store, Executions: store},
			Queue:       q,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return eng, q
	}

	firstRuns, secondRuns := 0, 0
	bind := func(eng api.Engine) {
		mustBind(t, eng, "first", func(ctx context.Context, doc api.Document) (any, error) {
			firstRuns++
			return map[string]any{"ran": true}, nil
		})
		mustBind(t, eng, "second", func(ctx context.Context, doc api.Document) (any, error) {
			secondRuns++
			return map[string]any{"ran": true}, nil
		})
	}

	eng1, q1 := newEngine()
	if err := eng1.RegisterMachine(twoStepMachine("durable")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	bind(eng1)

	id, err := eng1.StartExecution(ctx, "durable", api.Document{"seed": 1}, api.StartOptions{})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// Process exactly one unit, then "crash": the queued unit for Second
	// dies with the process.
	task, err := q1.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := eng1.Advance(ctx, api.Unit{
		ExecutionID: task.ExecutionID,
		StateName:   task.StateName,
		Attempt:     task.Attempt,
		RetryRule:   task.RetryRule,
	}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	eng2, q2 := newEngine()
	bind(eng2)

	n, err := eng2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover re-enqueued %d executions, expected 1", n)
	}

	exec := drain(t, eng2, q2, id)
	if exec.Status != api.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", exec.Status, exec.Error)
	}
	if firstRuns != 1 {
		t.Fatalf("completed task re-ran after recovery: %d runs", firstRuns)
	}
	if secondRuns != 1 {
		t.Fatalf("second task ran %d times, expected 1", secondRuns)
	}
}

func TestRecoverSkipsTerminalExecutions(t *testing.T) {
	ctx := context.Background()
	eng, q := NewInMemory(nil)
	if err := eng.RegisterMachine(twoStepMachine("fin")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	mustBind(t, eng, "first", func(ctx context.Context, doc api.Document) (any, error) { return nil, nil })
	mustBind(t, eng, "second", func(ctx context.Context, doc api.Document) (any, error) { return nil, nil })

	id, err := eng.StartExecution(ctx, "fin", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec := drain(t, eng, q, id); exec.Status != api.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", exec.Status)
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("Recover re-enqueued %d executions, expected 0", n)
	}
}
