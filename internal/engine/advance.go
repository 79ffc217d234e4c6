package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/visionflow/internal/persistence"
	"github.com/petrijr/visionflow/internal/taskqueue"
	"github.com/petrijr/visionflow/pkg/api"
)

// Advance runs one transition for the unit. Every outcome is made durable
// (a new record or a terminal status) before any follow-up work is enqueued;
// duplicate and stale units are dropped without effect.
func (e *engineImpl) Advance(ctx context.Context, u api.Unit) error {
	exec, err := e.execs.GetExecution(ctx, u.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		e.dropUnit(ctx, u, "execution already terminal")
		return nil
	}

	rec, err := e.execs.LatestRecord(ctx, u.ExecutionID)
	if err != nil {
		return err
	}
	// A unit is only live while it matches the latest durable record. A
	// redelivered or raced unit mismatches and is dropped; the worker that
	// owns the current record carries the execution forward.
	if rec.StateName != u.StateName || rec.Attempt != u.Attempt {
		e.dropUnit(ctx, u, "stale unit")
		return nil
	}

	if !exec.Deadline.IsZero() && time.Now().After(exec.Deadline) {
		return e.finish(ctx, exec, api.StatusTimedOut, nil, "execution deadline exceeded")
	}

	def, err := e.machines.GetMachine(exec.Machine)
	if err != nil {
		return err
	}
	state, ok := def.States[rec.StateName]
	if !ok {
		// Definitions are validated at registration; this means the
		// registered graph changed underneath a live execution.
		return e.finish(ctx, exec, api.StatusFailed, nil,
			fmt.Sprintf("state %s no longer defined for machine %s", rec.StateName, exec.Machine))
	}

	doc := rec.Input
	if doc == nil {
		doc = api.Document{}
	}

	switch state.Type {
	case api.StateTask:
		return e.advanceTask(ctx, exec, rec, state, doc)
	case api.StateChoice:
		next := state.Default
		for _, c := range state.Choices {
			if c.Matches(doc) {
				next = c.Next
				break
			}
		}
		return e.transition(ctx, exec, rec, next, doc)
	case api.StatePass:
		if state.Result != nil {
			doc, err = api.ApplyResult(doc, state.ResultPath, state.Result)
			if err != nil {
				return e.finish(ctx, exec, api.StatusFailed, nil, err.Error())
			}
		}
		return e.transition(ctx, exec, rec, state.Next, doc)
	case api.StateParallel:
		return e.advanceParallel(ctx, exec, rec, state, doc)
	case api.StateSucceed:
		return e.finish(ctx, exec, api.StatusSucceeded, doc, "")
	case api.StateFail:
		msg := state.ErrorKind
		if state.Cause != "" {
			msg = state.ErrorKind + ": " + state.Cause
		}
		return e.finish(ctx, exec, api.StatusFailed, doc, msg)
	default:
		return e.finish(ctx, exec, api.StatusFailed, nil,
			fmt.Sprintf("state %s has unknown type %s", rec.StateName, state.Type))
	}
}

func (e *engineImpl) advanceTask(ctx context.Context, exec *api.Execution, rec api.StateRecord, state api.State, doc api.Document) error {
	ex, bound := e.executor(state.Executor)
	if !bound {
		// Treated as a task failure so Retry/Catch can route it; binding
		// may simply not have happened yet on this process.
		return e.handleTaskFailure(ctx, exec, rec, state, doc,
			api.NewStepError(api.ErrorKindTaskFailed, "no executor bound for %q", state.Executor))
	}

	input, err := state.SelectInput(doc)
	if err != nil {
		return e.handleTaskFailure(ctx, exec, rec, state, doc, err)
	}

	e.observer.OnStateStart(ctx, exec.ID, rec.StateName, rec.Attempt)
	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, state.Timeout())
	patch, err := ex.Execute(tctx, input.Clone())
	cancel()

	e.observer.OnStateCompleted(ctx, exec.ID, rec.StateName, rec.Attempt, err, time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			// Worker shutdown, not a task failure. The unit is simply
			// dropped; Recover re-enqueues it from the durable record.
			return ctx.Err()
		}
		return e.handleTaskFailure(ctx, exec, rec, state, doc, err)
	}

	if patch != nil {
		doc, err = api.ApplyResult(doc, state.ResultPath, patch)
		if err != nil {
			return e.finish(ctx, exec, api.StatusFailed, nil, err.Error())
		}
	}
	return e.transition(ctx, exec, rec, state.Next, doc)
}

// handleTaskFailure applies the state's Retry rules, then Catch rules, then
// fails the execution. The document is never mutated by a failure except
// through a catch rule's ResultPath.
func (e *engineImpl) handleTaskFailure(ctx context.Context, exec *api.Execution, rec api.StateRecord, state api.State, doc api.Document, taskErr error) error {
	se := api.ClassifyError(taskErr)

	if idx := state.MatchRetry(se.Kind); idx >= 0 {
		rule := state.Retry[idx]
		// Attempts are counted per rule; a failure that matches a
		// different rule than the one in progress starts a fresh count.
		used := 0
		if rec.RetryRule == idx {
			used = rec.Attempt - 1
		}
		if used < rule.MaxAttempts {
			delay := rule.Delay(used + 1)
			nextAttempt := used + 2
			retryRec := api.StateRecord{
				ExecutionID: exec.ID,
				Seq:         rec.Seq + 1,
				StateName:   rec.StateName,
				EnteredAt:   time.Now().UTC(),
				Attempt:     nextAttempt,
				RetryRule:   idx,
				Input:       doc,
				ErrKind:     se.Kind,
				ErrMessage:  se.Message,
			}
			if err := e.execs.AppendRecord(ctx, retryRec); err != nil {
				if errors.Is(err, persistence.ErrSequenceConflict) {
					e.dropUnit(ctx, api.Unit{ExecutionID: exec.ID, StateName: rec.StateName, Attempt: rec.Attempt}, "lost append race")
					return nil
				}
				return err
			}
			e.observer.OnRetryScheduled(ctx, exec.ID, rec.StateName, nextAttempt, delay)
			return e.queue.Enqueue(ctx, taskqueue.Task{
				ExecutionID: exec.ID,
				StateName:   rec.StateName,
				Attempt:     nextAttempt,
				RetryRule:   idx,
				EnqueuedAt:  time.Now().UTC(),
				NotBefore:   time.Now().Add(delay),
			})
		}
	}

	if c := state.MatchCatch(se.Kind); c != nil {
		merged, err := api.ApplyResult(doc, c.ResultPath, se.ErrorObject())
		if err != nil {
			return e.finish(ctx, exec, api.StatusFailed, nil, err.Error())
		}
		e.logger.WarnContext(ctx, "failure caught",
			slog.String("execution_id", exec.ID),
			slog.String("state", rec.StateName),
			slog.String("error_kind", se.Kind),
			slog.String("next", c.Next),
		)
		return e.transition(ctx, exec, rec, c.Next, merged)
	}

	// No rule applies: record the failure, then fail the execution.
	failRec := api.StateRecord{
		ExecutionID: exec.ID,
		Seq:         rec.Seq + 1,
		StateName:   rec.StateName,
		EnteredAt:   time.Now().UTC(),
		Attempt:     rec.Attempt,
		RetryRule:   -1,
		Input:       doc,
		ErrKind:     se.Kind,
		ErrMessage:  se.Message,
	}
	if err := e.execs.AppendRecord(ctx, failRec); err != nil && !errors.Is(err, persistence.ErrSequenceConflict) {
		return err
	}
	return e.finish(ctx, exec, api.StatusFailed, nil, se.Kind+": "+se.Message)
}

// transition durably records entry into next and enqueues its unit.
func (e *engineImpl) transition(ctx context.Context, exec *api.Execution, rec api.StateRecord, next string, doc api.Document) error {
	nextRec := api.StateRecord{
		ExecutionID: exec.ID,
		Seq:         rec.Seq + 1,
		StateName:   next,
		EnteredAt:   time.Now().UTC(),
		Attempt:     1,
		RetryRule:   -1,
		Input:       doc,
	}
	if err := e.execs.AppendRecord(ctx, nextRec); err != nil {
		if errors.Is(err, persistence.ErrSequenceConflict) {
			e.dropUnit(ctx, api.Unit{ExecutionID: exec.ID, StateName: rec.StateName, Attempt: rec.Attempt}, "lost append race")
			return nil
		}
		return err
	}
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ExecutionID: exec.ID,
		StateName:   next,
		Attempt:     1,
		RetryRule:   -1,
		EnqueuedAt:  time.Now().UTC(),
	})
}

// finish sets a terminal status. Losing the race to another terminal writer
// is not an error; terminal statuses are monotonic.
func (e *engineImpl) finish(ctx context.Context, exec *api.Execution, status api.Status, output api.Document, errMsg string) error {
	err := e.execs.SetStatus(ctx, exec.ID, status, output, errMsg)
	if errors.Is(err, persistence.ErrStatusTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	exec.Status = status
	exec.Output = output
	exec.Error = errMsg
	if status == api.StatusSucceeded {
		e.observer.OnExecutionCompleted(ctx, exec)
	} else {
		e.observer.OnExecutionFailed(ctx, exec, errors.New(errMsg))
	}
	return nil
}

func (e *engineImpl) dropUnit(ctx context.Context, u api.Unit, reason string) {
	e.logger.DebugContext(ctx, "unit dropped",
		slog.String("execution_id", u.ExecutionID),
		slog.String("state", u.StateName),
		slog.Int("attempt", u.Attempt),
		slog.String("reason", reason),
	)
}
