package api

import (
	"context"
	"errors"
	"time"
)

// ErrExecutionTerminal is returned by Abort when the execution already
// reached a terminal status.
var ErrExecutionTerminal = errors.New("execution already terminal")

// StepExecutor is the handler bound to a Task state. It receives a copy of
// the current document and returns a patch to merge at the state's
// ResultPath, or a typed failure (StepError) for Retry/Catch matching.
//
// Required contract: executors must be idempotent or otherwise safe to
// retry. The engine delivers at-least-once invocation; it cannot tell
// "the task ran but the process crashed before the success was recorded"
// apart from "the task never ran".
type StepExecutor interface {
	Execute(ctx context.Context, doc Document) (any, error)
}

// StepFunc adapts a plain function to StepExecutor.
type StepFunc func(ctx context.Context, doc Document) (any, error)

func (f StepFunc) Execute(ctx context.Context, doc Document) (any, error) {
	return f(ctx, doc)
}

// StartOptions controls StartExecution.
type StartOptions struct {
	// IdempotencyToken deduplicates caller retries: starting twice with the
	// same token returns the first ExecutionID instead of creating a second
	// execution. Empty means no deduplication.
	IdempotencyToken string

	// Timeout, if positive, bounds the whole execution; exceeding it forces
	// StatusTimedOut.
	Timeout time.Duration
}

// Unit is one (execution, state) item of work pulled from the queue.
type Unit struct {
	ExecutionID string
	StateName   string
	Attempt     int
	RetryRule   int
}

// Engine executes machine definitions durably, one recorded transition at
// a time.
type Engine interface {
	// RegisterMachine validates and stores a definition. Malformed graphs
	// (dangling Next, missing Choice default, cycles) are rejected here,
	// never at runtime.
	RegisterMachine(def Definition) error

	// BindExecutor associates a Task executor name with its handler.
	BindExecutor(name string, ex StepExecutor) error

	// StartExecution allocates an ExecutionID, durably records the start
	// state, and enqueues the first unit of work.
	StartExecution(ctx context.Context, machine string, input Document, opts StartOptions) (string, error)

	// Advance processes one unit: it loads the current state and document,
	// runs one transition, durably records it, and enqueues the follow-up
	// unit (or a delayed retry). Stale units (the execution moved on, or a
	// concurrent worker won the append) are dropped without effect.
	Advance(ctx context.Context, u Unit) error

	// GetExecution looks up an execution by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// History returns the ordered state records of an execution.
	History(ctx context.Context, id string) ([]StateRecord, error)

	// ListExecutions returns executions matching the options.
	ListExecutions(ctx context.Context, opts ExecutionListOptions) ([]*Execution, error)

	// Abort marks a running execution ABORTED. In-flight units observe the
	// terminal status on their next append and stop.
	Abort(ctx context.Context, id string) error

	// Recover re-enqueues a unit for every RUNNING execution, resuming each
	// from its latest durable record. Call on process startup before
	// starting workers. Returns the number of executions re-enqueued.
	Recover(ctx context.Context) (int, error)
}
