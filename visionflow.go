package visionflow

import (
	"context"
	"database/sql"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/petrijr/visionflow/internal/engine"
	"github.com/petrijr/visionflow/internal/taskqueue"
	"github.com/petrijr/visionflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Definition           = api.Definition
	State                = api.State
	StateType            = api.StateType
	ChoiceRule           = api.ChoiceRule
	RetryRule            = api.RetryRule
	CatchRule            = api.CatchRule
	Document             = api.Document
	Execution            = api.Execution
	StateRecord          = api.StateRecord
	ExecutionListOptions = api.ExecutionListOptions
	Status               = api.Status
	StartOptions         = api.StartOptions
	StepExecutor         = api.StepExecutor
	StepFunc             = api.StepFunc
	StepError            = api.StepError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewStepError         = api.NewStepError
	NewValidationError   = api.NewValidationError
	NewTransientError    = api.NewTransientError
	Float                = api.Float
	Str                  = api.Str
	Bool                 = api.Bool
)

// Re-export state types, statuses and error kinds for convenience.

const (
	StateTask     = api.StateTask
	StateChoice   = api.StateChoice
	StateParallel = api.StateParallel
	StatePass     = api.StatePass
	StateSucceed  = api.StateSucceed
	StateFail     = api.StateFail

	StatusRunning   = api.StatusRunning
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
	StatusTimedOut  = api.StatusTimedOut
	StatusAborted   = api.StatusAborted

	ErrorKindValidation = api.ErrorKindValidation
	ErrorKindTransient  = api.ErrorKindTransient
	ErrorKindTimeout    = api.ErrorKindTimeout
	ErrorKindTaskFailed = api.ErrorKindTaskFailed
	MatchAll            = api.MatchAll
)

// Queue is the work queue an engine feeds and a worker pool drains.
type Queue = taskqueue.Queue

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// along with the queue its workers should consume.
func NewInMemoryEngine() (Engine, Queue) {
	return engine.NewInMemory(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) (Engine, Queue) {
	return engine.NewInMemory(obs)
}

// NewSQLiteEngine returns an Engine whose execution log and task queue are
// persisted in a SQLite database. Machine definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, Queue, error) {
	return engine.NewSQLite(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, Queue, error) {
	return engine.NewSQLite(db, obs)
}

// NewBadgerEngine returns an Engine whose execution log is persisted in a
// Badger database.
func NewBadgerEngine(db *badger.DB) (Engine, Queue, error) {
	return engine.NewBadger(db, nil)
}

// NewBadgerEngineWithObserver returns a Badger-backed Engine with the given Observer.
func NewBadgerEngineWithObserver(db *badger.DB, obs Observer) (Engine, Queue, error) {
	return engine.NewBadger(db, obs)
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts an execution of a registered machine.
func Start(ctx context.Context, eng Engine, machine string, input Document, opts StartOptions) (string, error) {
	return eng.StartExecution(ctx, machine, input, opts)
}

// GetExecution fetches an execution by ID.
func GetExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.GetExecution(ctx, id)
}

// History returns the ordered state records of an execution.
func History(ctx context.Context, eng Engine, id string) ([]StateRecord, error) {
	return eng.History(ctx, id)
}

// ListExecutions lists executions according to the given options.
func ListExecutions(ctx context.Context, eng Engine, opts ExecutionListOptions) ([]*Execution, error) {
	return eng.ListExecutions(ctx, opts)
}

// Abort marks a running execution ABORTED.
func Abort(ctx context.Context, eng Engine, id string) error {
	return eng.Abort(ctx, id)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := visionflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
