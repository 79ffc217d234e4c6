package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnExecutionStart is called once when an execution is first started,
	// before the first state runs.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionCompleted is called when an execution reaches StatusSucceeded.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution reaches StatusFailed,
	// StatusTimedOut or StatusAborted.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnStateStart is called before a state runs. attempt is 1-indexed.
	OnStateStart(ctx context.Context, execID, stateName string, attempt int)

	// OnStateCompleted is called after a state runs, for both successes and
	// failures (err != nil).
	OnStateCompleted(ctx context.Context, execID, stateName string, attempt int, err error, duration time.Duration)

	// OnRetryScheduled is called when a failed task is scheduled for a
	// delayed re-attempt.
	OnRetryScheduled(ctx context.Context, execID, stateName string, attempt int, delay time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)               {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)           {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)   {}
func (NoopObserver) OnStateStart(ctx context.Context, execID, stateName string, att int) {}
func (NoopObserver) OnStateCompleted(ctx context.Context, execID, stateName string, att int, err error, d time.Duration) {
}
func (NoopObserver) OnRetryScheduled(ctx context.Context, execID, stateName string, att int, delay time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnStateStart(ctx context.Context, execID, stateName string, att int) {
	for _, o := range c.observers {
		o.OnStateStart(ctx, execID, stateName, att)
	}
}

func (c *CompositeObserver) OnStateCompleted(ctx context.Context, execID, stateName string, att int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStateCompleted(ctx, execID, stateName, att, err, d)
	}
}

func (c *CompositeObserver) OnRetryScheduled(ctx context.Context, execID, stateName string, att int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnRetryScheduled(ctx, execID, stateName, att, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution / state
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("machine", exec.Machine),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("machine", exec.Machine),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("machine", exec.Machine),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStateStart(ctx context.Context, execID, stateName string, att int) {
	o.Logger.DebugContext(ctx, "state_start",
		slog.String("execution_id", execID),
		slog.String("state", stateName),
		slog.Int("attempt", att),
	)
}

func (o *LoggingObserver) OnStateCompleted(ctx context.Context, execID, stateName string, att int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "state_completed",
		slog.String("execution_id", execID),
		slog.String("state", stateName),
		slog.Int("attempt", att),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRetryScheduled(ctx context.Context, execID, stateName string, att int, delay time.Duration) {
	o.Logger.WarnContext(ctx, "retry_scheduled",
		slog.String("execution_id", execID),
		slog.String("state", stateName),
		slog.Int("attempt", att),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate state durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	retriesScheduled    atomic.Int64
	statesCompleted     atomic.Int64
	totalStateDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	PendingExecutions   int64
	RetriesScheduled    int64

	StatesCompleted  int64
	AvgStateDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnRetryScheduled(ctx context.Context, execID, stateName string, att int, delay time.Duration) {
	m.retriesScheduled.Add(1)
}

func (m *BasicMetrics) OnStateCompleted(ctx context.Context, execID, stateName string, att int, err error, d time.Duration) {
	// Only count successful states for average duration.
	if err == nil {
		m.statesCompleted.Add(1)
		m.totalStateDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	states := m.statesCompleted.Load()
	totalNs := m.totalStateDuration.Load()

	var avg time.Duration
	if states > 0 {
		avg = time.Duration(totalNs / states)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		PendingExecutions:   started - completed - failed,
		RetriesScheduled:    m.retriesScheduled.Load(),
		StatesCompleted:     states,
		AvgStateDuration:    avg,
	}
}
