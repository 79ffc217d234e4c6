package visionflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntime_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt := NewRuntime()
	NewMachine("greeter").
		StartAt("Greet").
		Task("Greet", "greet", "Done", WithResultPath("$.greeting")).
		Succeed("Done").
		MustRegister(rt.Engine)

	require.NoError(t, rt.Engine.BindExecutor("greet", StepFunc(func(ctx context.Context, doc Document) (any, error) {
		name, _ := doc.GetString("$.name")
		return map[string]any{"text": "hello " + name}, nil
	})))

	require.NoError(t, rt.StartWorkers(ctx, 2))
	defer rt.Stop()

	id, err := Start(ctx, rt.Engine, "greeter", Document{"name": "alice"}, StartOptions{})
	require.NoError(t, err)

	exec, err := rt.WaitForExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, exec.Status)

	text, ok := exec.Output.GetString("$.greeting.text")
	require.True(t, ok)
	require.Equal(t, "hello alice", text)

	recs, err := History(ctx, rt.Engine, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "Greet", recs[0].StateName)

	execs, err := ListExecutions(ctx, rt.Engine, ExecutionListOptions{Machine: "greeter"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestRuntime_AbortWrapper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := NewRuntime()
	NewMachine("idle").
		StartAt("Wait").
		Task("Wait", "wait", "Done").
		Succeed("Done").
		MustRegister(rt.Engine)
	// Executor deliberately left unbound; no workers run, so the execution
	// just sits in RUNNING until aborted.

	id, err := Start(ctx, rt.Engine, "idle", nil, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, Abort(ctx, rt.Engine, id))
	exec, err := GetExecution(ctx, rt.Engine, id)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, exec.Status)
}

func TestRuntime_WaitForExecutionHonorsContext(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	NewMachine("stuck").
		StartAt("Wait").
		Task("Wait", "wait", "Done").
		Succeed("Done").
		MustRegister(rt.Engine)

	id, err := Start(context.Background(), rt.Engine, "stuck", nil, StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rt.WaitForExecution(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
