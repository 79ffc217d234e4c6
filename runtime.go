package visionflow

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/visionflow/pkg/worker"
)

// Runtime bundles an in-memory Engine, an in-memory task queue, and a worker
// Pool to provide a simple single-process runtime for development and tests.
//
// Typical usage:
//
//	rt := visionflow.NewRuntime()
//	_ = rt.Engine.RegisterMachine(def)
//	_ = rt.Engine.BindExecutor("resize_image", resize)
//
//	_ = rt.StartWorkers(ctx, 2)
//	id, _ := visionflow.Start(ctx, rt.Engine, def.Name, input, visionflow.StartOptions{})
//	exec, _ := rt.WaitForExecution(ctx, id)
//	rt.Stop()
//
// Runtime is intentionally not crash-durable; use NewSQLiteBundle for that.
type Runtime struct {
	// Engine is the in-memory engine used by this runtime.
	Engine Engine

	// Queue is the in-memory task queue drained by Pool.
	Queue Queue

	// Pool processes units from Queue using Engine.
	Pool *worker.Pool
}

// NewRuntime constructs a Runtime backed by an in-memory engine and queue.
func NewRuntime() *Runtime {
	return NewRuntimeWithObserver(nil)
}

// NewRuntimeWithObserver is NewRuntime with an Observer on the engine.
func NewRuntimeWithObserver(obs Observer) *Runtime {
	eng, q := NewInMemoryEngineWithObserver(obs)
	return &Runtime{
		Engine: eng,
		Queue:  q,
		Pool:   worker.NewPool(eng, q, nil),
	}
}

// StartWorkers starts 'concurrency' worker goroutines draining the queue
// until Stop is called or ctx is cancelled.
func (r *Runtime) StartWorkers(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	return r.Pool.Start(ctx, concurrency)
}

// Stop stops the workers and waits for them to drain.
func (r *Runtime) Stop() {
	r.Pool.Stop()
}

// WaitForExecution polls until the execution reaches a terminal status or
// ctx expires.
func (r *Runtime) WaitForExecution(ctx context.Context, id string) (*Execution, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := r.Engine.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for execution %s: %w", id, ctx.Err())
		}
	}
}
