package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

// advanceParallel runs every branch to completion and joins. A Parallel node
// is a single transition in the durable log: branch progress is not recorded
// per step, so after a crash the whole node re-runs. That is the same
// at-least-once contract individual tasks already live under, and it keeps
// the log a single totally-ordered sequence.
//
// On success the branch outputs are merged at the node's ResultPath as an
// ordered list (empty ResultPath discards them). Any branch failure fails
// the node as a whole and is routed through its Retry/Catch rules; partial
// branch results are discarded.
func (e *engineImpl) advanceParallel(ctx context.Context, exec *api.Execution, rec api.StateRecord, state api.State, doc api.Document) error {
	e.observer.OnStateStart(ctx, exec.ID, rec.StateName, rec.Attempt)
	start := time.Now()

	type branchOutcome struct {
		out api.Document
		err error
	}
	outcomes := make([]branchOutcome, len(state.Branches))

	var wg sync.WaitGroup
	for i, br := range state.Branches {
		wg.Add(1)
		go func(i int, br api.Definition) {
			defer wg.Done()
			out, err := e.runBranch(ctx, exec, br, doc.Clone())
			outcomes[i] = branchOutcome{out: out, err: err}
		}(i, br)
	}
	wg.Wait()

	var firstErr error
	for _, o := range outcomes {
		if o.err != nil {
			firstErr = o.err
			break
		}
	}

	e.observer.OnStateCompleted(ctx, exec.ID, rec.StateName, rec.Attempt, firstErr, time.Since(start))

	if firstErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.handleTaskFailure(ctx, exec, rec, state, doc, firstErr)
	}

	if state.ResultPath != "" {
		results := make([]any, len(outcomes))
		for i, o := range outcomes {
			results[i] = map[string]any(o.out)
		}
		var err error
		doc, err = api.ApplyResult(doc, state.ResultPath, results)
		if err != nil {
			return e.finish(ctx, exec, api.StatusFailed, nil, err.Error())
		}
	}
	return e.transition(ctx, exec, rec, state.Next, doc)
}

// runBranch interprets one branch sub-definition sequentially. Branch task
// retries wait in-process (the branch has no durable record to park a
// delayed unit against); validation guarantees the walk terminates.
func (e *engineImpl) runBranch(ctx context.Context, exec *api.Execution, br api.Definition, doc api.Document) (api.Document, error) {
	cur := br.StartAt
	for {
		state, ok := br.States[cur]
		if !ok {
			return nil, api.NewStepError(api.ErrorKindTaskFailed, "branch state %s not defined", cur)
		}

		switch state.Type {
		case api.StateTask:
			next, out, err := e.runBranchTask(ctx, exec, cur, state, doc)
			if err != nil {
				return nil, err
			}
			cur, doc = next, out
		case api.StateChoice:
			next := state.Default
			for _, c := range state.Choices {
				if c.Matches(doc) {
					next = c.Next
					break
				}
			}
			cur = next
		case api.StatePass:
			if state.Result != nil {
				var err error
				doc, err = api.ApplyResult(doc, state.ResultPath, state.Result)
				if err != nil {
					return nil, err
				}
			}
			cur = state.Next
		case api.StateSucceed:
			return doc, nil
		case api.StateFail:
			return nil, api.NewStepError(state.ErrorKind, "%s", state.Cause)
		default:
			return nil, api.NewStepError(api.ErrorKindTaskFailed, "branch state %s has unsupported type %s", cur, state.Type)
		}
	}
}

// runBranchTask executes one branch task with its Retry and Catch rules.
// Returns the follow-up state name and the updated document.
func (e *engineImpl) runBranchTask(ctx context.Context, exec *api.Execution, name string, state api.State, doc api.Document) (string, api.Document, error) {
	ex, bound := e.executor(state.Executor)
	if !bound {
		return e.branchTaskFailure(ctx, state, doc,
			api.NewStepError(api.ErrorKindTaskFailed, "no executor bound for %q", state.Executor))
	}

	input, err := state.SelectInput(doc)
	if err != nil {
		return e.branchTaskFailure(ctx, state, doc, err)
	}

	attempt := 1
	ruleIdx := -1
	for {
		e.observer.OnStateStart(ctx, exec.ID, name, attempt)
		start := time.Now()

		tctx, cancel := context.WithTimeout(ctx, state.Timeout())
		patch, err := ex.Execute(tctx, input.Clone())
		cancel()

		e.observer.OnStateCompleted(ctx, exec.ID, name, attempt, err, time.Since(start))

		if err == nil {
			if patch != nil {
				doc, err = api.ApplyResult(doc, state.ResultPath, patch)
				if err != nil {
					return "", nil, err
				}
			}
			return state.Next, doc, nil
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		se := api.ClassifyError(err)
		idx := state.MatchRetry(se.Kind)
		if idx >= 0 {
			rule := state.Retry[idx]
			used := 0
			if ruleIdx == idx {
				used = attempt - 1
			}
			if used < rule.MaxAttempts {
				delay := rule.Delay(used + 1)
				e.observer.OnRetryScheduled(ctx, exec.ID, name, used+2, delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", nil, ctx.Err()
				}
				attempt = used + 2
				ruleIdx = idx
				continue
			}
		}
		return e.branchTaskFailure(ctx, state, doc, se)
	}
}

// branchTaskFailure applies the task's Catch rules inside the branch; an
// uncaught failure propagates and fails the whole Parallel node.
func (e *engineImpl) branchTaskFailure(_ context.Context, state api.State, doc api.Document, taskErr error) (string, api.Document, error) {
	se := api.ClassifyError(taskErr)
	if c := state.MatchCatch(se.Kind); c != nil {
		merged, err := api.ApplyResult(doc, c.ResultPath, se.ErrorObject())
		if err != nil {
			return "", nil, fmt.Errorf("apply catch result: %w", err)
		}
		return c.Next, merged, nil
	}
	return "", nil, se
}
