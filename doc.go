// Package visionflow is a self-hosted workflow orchestrator for the image
// analysis pipeline: uploads land in an object store, an event ingress starts
// a durable execution, and a state machine validates the image, analyzes it
// with a vision service, persists the result, and fans out notifications.
//
// It replaces a managed workflow service with an embeddable engine that runs
// fully in Go, supports multiple persistence backends, and integrates cleanly
// into existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Worker pool
//  3. Machine definitions
//  4. Step executors
//  5. Runtime
//
// # Engine
//
// The Engine stores machine definitions, appends every state transition to a
// durable execution log, and provides APIs to:
//   - start executions (idempotently, via a caller-supplied token)
//   - advance executions one recorded transition at a time
//   - abort executions and recover them after a crash
//   - read execution state and history
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Badger
//
// The durable backends share one correctness mechanism: a record may only be
// appended with the next sequence number of its execution, so two workers
// racing on the same unit of work cannot both commit a transition.
//
// # Worker pool
//
// A Pool pulls ready (execution, state) units from a task queue and drives
// the engine forward. Retry backoff is a delayed unit in the queue, never a
// sleeping worker. Pools scale horizontally; any number of processes may
// consume the same durable queue.
//
// # Machine definitions
//
// A machine is a directed graph of typed states: Task, Choice, Parallel,
// Pass, Succeed and Fail. Task states carry per-state timeouts, typed retry
// rules and typed catch routes. Definitions are validated at registration;
// malformed graphs (dangling transitions, a Choice without a Default,
// cycles) never reach runtime.
//
// Definitions are built literally, or with MachineBuilder:
//
//	visionflow.NewMachine("resize").
//	    StartAt("Resize").
//	    Task("Resize", "resize_image", "Done",
//	        visionflow.WithRetry(visionflow.Retry(visionflow.ErrorKindTransient).MaxAttempts(3).Rule()),
//	        visionflow.WithCatch(visionflow.Catch().At("$.error").To("Failed")),
//	    ).
//	    Succeed("Done").
//	    Fail("Failed", "ResizeFailed", "resize pipeline failed")
//
// # Step executors
//
// A StepExecutor is the unit of business logic bound to a Task state:
//
//	Execute(ctx context.Context, doc Document) (any, error)
//
// It receives a copy of the execution's document and returns a patch merged
// at the state's ResultPath, or a typed failure for Retry/Catch matching.
// Executors must be idempotent: delivery is at-least-once, and the engine
// cannot tell a task that ran before a crash from one that never ran.
//
// # Runtime
//
// Runtime bundles an in-memory engine, queue and pool into a process-local
// helper for development and unit testing. For durable single-process
// deployments, NewSQLiteBundle wires the same pieces over one SQLite file.
//
// The image-analysis machine itself, with its executors and collaborator
// interfaces, lives in pkg/pipeline; the upload-event intake lives in
// pkg/ingress. See the /examples directory for end-to-end usage.
package visionflow
