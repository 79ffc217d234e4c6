// Package engine implements the durable workflow engine: registered machine
// definitions are executed one recorded transition at a time, with every
// transition appended to the execution log before its follow-up unit of work
// is enqueued. Correctness over at-least-once delivery rests on two pieces:
// the per-execution sequence check in the store (the single-writer guard)
// and idempotent task executors.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/petrijr/visionflow/internal/persistence"
	"github.com/petrijr/visionflow/internal/taskqueue"
	"github.com/petrijr/visionflow/pkg/api"
)

// Config wires an engine from its collaborators. Persistence and Queue are
// required; Observer and Logger default to no-op / slog.Default().
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Logger      *slog.Logger
}

type engineImpl struct {
	machines persistence.MachineStore
	execs    persistence.ExecutionStore
	queue    taskqueue.Queue
	observer api.Observer
	logger   *slog.Logger

	mu        sync.RWMutex
	executors map[string]api.StepExecutor
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an engine from an explicit Config.
func New(cfg Config) (api.Engine, error) {
	if cfg.Persistence.Machines == nil || cfg.Persistence.Executions == nil {
		return nil, errors.New("engine: persistence stores are required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: task queue is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engineImpl{
		machines:  cfg.Persistence.Machines,
		execs:     cfg.Persistence.Executions,
		queue:     cfg.Queue,
		observer:  obs,
		logger:    logger,
		executors: make(map[string]api.StepExecutor),
	}, nil
}

// NewInMemory creates an engine backed by in-memory stores and an in-memory
// queue, suitable for tests and embedded use. The queue is returned so a
// worker pool can consume from it.
func NewInMemory(observer api.Observer) (api.Engine, taskqueue.Queue) {
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	eng, err := New(Config{
		Persistence: persistence.Persistence{Machines: store, Executions: store},
		Queue:       queue,
		Observer:    observer,
	})
	if err != nil {
		// Unreachable with non-nil stores and queue.
		panic(err)
	}
	return eng, queue
}

// NewSQLite creates an engine whose execution log and task queue live in the
// given SQLite database. Machine definitions stay in memory; they are code,
// re-registered on startup.
func NewSQLite(db *sql.DB, observer api.Observer) (api.Engine, taskqueue.Queue, error) {
	execs, err := persistence.NewSQLiteExecutionStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("create sqlite execution store: %w", err)
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, nil, fmt.Errorf("create sqlite task queue: %w", err)
	}
	eng, err := New(Config{
		Persistence: persistence.Persistence{
			Machines:   persistence.NewInMemoryStore(),
			Executions: execs,
		},
		Queue:    queue,
		Observer: observer,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, queue, nil
}

// NewBadger creates an engine whose execution log lives in the given Badger
// database, paired with an in-memory queue. Pending work is rebuilt from the
// log via Recover on startup, so queue durability is not required.
func NewBadger(db *badger.DB, observer api.Observer) (api.Engine, taskqueue.Queue, error) {
	execs := persistence.NewBadgerExecutionStore(db)
	queue := taskqueue.NewInMemoryQueue()
	eng, err := New(Config{
		Persistence: persistence.Persistence{
			Machines:   persistence.NewInMemoryStore(),
			Executions: execs,
		},
		Queue:    queue,
		Observer: observer,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, queue, nil
}

func (e *engineImpl) RegisterMachine(def api.Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	return e.machines.SaveMachine(def)
}

func (e *engineImpl) BindExecutor(name string, ex api.StepExecutor) error {
	if name == "" {
		return errors.New("engine: executor name is required")
	}
	if ex == nil {
		return errors.New("engine: executor is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.executors[name]; dup {
		return fmt.Errorf("engine: executor %q already bound", name)
	}
	e.executors[name] = ex
	return nil
}

func (e *engineImpl) executor(name string) (api.StepExecutor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.executors[name]
	return ex, ok
}

func (e *engineImpl) StartExecution(ctx context.Context, machine string, input api.Document, opts api.StartOptions) (string, error) {
	def, err := e.machines.GetMachine(machine)
	if err != nil {
		return "", err
	}
	if input == nil {
		input = api.Document{}
	}

	now := time.Now().UTC()
	exec := &api.Execution{
		ID:        uuid.NewString(),
		Machine:   machine,
		Status:    api.StatusRunning,
		StartedAt: now,
	}
	if opts.Timeout > 0 {
		exec.Deadline = now.Add(opts.Timeout)
	}
	first := api.StateRecord{
		ExecutionID: exec.ID,
		Seq:         0,
		StateName:   def.StartAt,
		EnteredAt:   now,
		Attempt:     1,
		RetryRule:   -1,
		Input:       input.Clone(),
	}

	id, created, err := e.execs.CreateExecution(ctx, exec, first, opts.IdempotencyToken)
	if err != nil {
		return "", err
	}
	if !created {
		// Duplicate start: same token, same execution, no new work.
		e.logger.DebugContext(ctx, "duplicate start suppressed",
			slog.String("machine", machine),
			slog.String("execution_id", id),
		)
		return id, nil
	}

	e.observer.OnExecutionStart(ctx, exec)

	// A crash between the create above and this enqueue leaves a RUNNING
	// execution with no pending task; Recover picks those up on startup.
	if err := e.queue.Enqueue(ctx, taskqueue.Task{
		ExecutionID: id,
		StateName:   def.StartAt,
		Attempt:     1,
		RetryRule:   -1,
		EnqueuedAt:  now,
	}); err != nil {
		return id, fmt.Errorf("enqueue first unit: %w", err)
	}
	return id, nil
}

func (e *engineImpl) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.execs.GetExecution(ctx, id)
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.StateRecord, error) {
	return e.execs.History(ctx, id)
}

func (e *engineImpl) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error) {
	return e.execs.ListExecutions(ctx, opts)
}

func (e *engineImpl) Abort(ctx context.Context, id string) error {
	err := e.execs.SetStatus(ctx, id, api.StatusAborted, nil, "aborted by caller")
	if errors.Is(err, persistence.ErrStatusTerminal) {
		return api.ErrExecutionTerminal
	}
	if err != nil {
		return err
	}
	if exec, gerr := e.execs.GetExecution(ctx, id); gerr == nil {
		e.observer.OnExecutionFailed(ctx, exec, errors.New("aborted by caller"))
	}
	return nil
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	running, err := e.execs.ListExecutions(ctx, api.ExecutionListOptions{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range running {
		rec, err := e.execs.LatestRecord(ctx, exec.ID)
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		if err := e.queue.Enqueue(ctx, taskqueue.Task{
			ExecutionID: exec.ID,
			StateName:   rec.StateName,
			Attempt:     rec.Attempt,
			RetryRule:   rec.RetryRule,
			EnqueuedAt:  time.Now().UTC(),
		}); err != nil {
			return n, fmt.Errorf("recover %s: %w", exec.ID, err)
		}
		n++
		e.logger.InfoContext(ctx, "execution recovered",
			slog.String("execution_id", exec.ID),
			slog.String("state", rec.StateName),
			slog.Int("attempt", rec.Attempt),
		)
	}
	return n, nil
}
