package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

var (
	// ErrMachineNotFound is returned when a machine definition is not found.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSequenceConflict is returned by AppendRecord when the record's Seq
	// is not exactly one past the latest durable record. It signals that
	// another worker already performed this transition; the caller must
	// drop its unit of work.
	ErrSequenceConflict = errors.New("record sequence conflict")

	// ErrStatusTerminal is returned by SetStatus when the execution already
	// reached a terminal status. Terminal statuses are monotonic.
	ErrStatusTerminal = errors.New("execution status already terminal")
)

// MachineStore handles storage of machine definitions.
type MachineStore interface {
	SaveMachine(def api.Definition) error
	GetMachine(name string) (api.Definition, error)
}

// ExecutionStore is the append-only execution log plus execution metadata.
// It is the only shared mutable resource of the engine; the per-execution
// sequence check makes it the single-writer guard.
type ExecutionStore interface {
	// CreateExecution atomically persists a new execution with its first
	// state record, registering token (if non-empty) for idempotent starts.
	// If the token was already used, the existing execution's ID is
	// returned with created == false and nothing is written.
	CreateExecution(ctx context.Context, exec *api.Execution, first api.StateRecord, token string) (id string, created bool, err error)

	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error)

	// AppendRecord appends a record whose Seq must be latest+1 for its
	// execution; otherwise ErrSequenceConflict.
	AppendRecord(ctx context.Context, rec api.StateRecord) error

	// LatestRecord returns the highest-Seq record of an execution.
	LatestRecord(ctx context.Context, executionID string) (api.StateRecord, error)

	// History returns all records of an execution ordered by Seq.
	History(ctx context.Context, executionID string) ([]api.StateRecord, error)

	// SetStatus transitions an execution's status. Setting a terminal
	// status also persists output and error. Transitions out of a terminal
	// status return ErrStatusTerminal.
	SetStatus(ctx context.Context, id string, status api.Status, output api.Document, errMsg string) error
}

// SeenStore is a durable "seen" set with TTL eviction, used by the event
// ingress to deduplicate at-least-once deliveries.
type SeenStore interface {
	// CheckAndSet records key with the given TTL. It returns true if the
	// key was not present (first sighting), false if it was already seen
	// within its TTL window.
	CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Machines   MachineStore
	Executions ExecutionStore
}
