package worker

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/visionflow/internal/engine"
	"github.com/petrijr/visionflow/pkg/api"
)

func chainMachine(name string) api.Definition {
	return api.Definition{
		Name:    name,
		StartAt: "First",
		States: map[string]api.State{
			"First":  {Type: api.StateTask, Executor: "first", ResultPath: "$.first", Next: "Second"},
			"Second": {Type: api.StateTask, Executor: "second", ResultPath: "$.second", Next: "Done"},
			"Done":   {Type: api.StateSucceed},
		},
	}
}

func waitTerminal(t *testing.T, eng api.Engine, id string) *api.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		exec, err := eng.GetExecution(ctx, id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		select {
		case <-ctx.Done():
			t.Fatalf("execution %s never finished, status %s", id, exec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolDrivesExecutionToCompletion(t *testing.T) {
	eng, q := engine.NewInMemory(nil)
	if err := eng.RegisterMachine(chainMachine("pooled")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	for _, name := range []string{"first", "second"} {
		if err := eng.BindExecutor(name, api.StepFunc(func(ctx context.Context, doc api.Document) (any, error) {
			return map[string]any{"ran": true}, nil
		})); err != nil {
			t.Fatalf("BindExecutor(%s): %v", name, err)
		}
	}

	pool := NewPool(eng, q, nil)
	if err := pool.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	id, err := eng.StartExecution(context.Background(), "pooled", api.Document{"seed": 1}, api.StartOptions{})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	exec := waitTerminal(t, eng, id)
	if exec.Status != api.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", exec.Status, exec.Error)
	}
	if ok, _ := exec.Output.GetBool("$.second.ran"); !ok {
		t.Fatalf("output missing second step result: %v", exec.Output)
	}
}

func TestPoolStartValidation(t *testing.T) {
	eng, q := engine.NewInMemory(nil)
	pool := NewPool(eng, q, nil)
	if err := pool.Start(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(context.Background(), 1); err == nil {
		t.Fatalf("expected error for second Start")
	}
}

func TestPoolStopIsIdempotentBeforeStart(t *testing.T) {
	eng, q := engine.NewInMemory(nil)
	pool := NewPool(eng, q, nil)
	pool.Stop() // must not panic or block
}

func TestProcessOne(t *testing.T) {
	eng, q := engine.NewInMemory(nil)
	if err := eng.RegisterMachine(chainMachine("stepwise")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	runs := 0
	for _, name := range []string{"first", "second"} {
		if err := eng.BindExecutor(name, api.StepFunc(func(ctx context.Context, doc api.Document) (any, error) {
			runs++
			return nil, nil
		})); err != nil {
			t.Fatalf("BindExecutor(%s): %v", name, err)
		}
	}

	ctx := context.Background()
	id, err := eng.StartExecution(ctx, "stepwise", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	pool := NewPool(eng, q, nil)
	if err := pool.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected one executor run after one unit, got %d", runs)
	}
	exec, err := eng.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status.Terminal() {
		t.Fatalf("execution finished after a single unit: %s", exec.Status)
	}

	// Two more units: Second and the terminal Done transition.
	if err := pool.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if err := pool.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	exec = waitTerminal(t, eng, id)
	if exec.Status != api.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", exec.Status)
	}
}
