// Package worker runs the consumption side of the engine: a pool of
// goroutines pulling units of work off the task queue and advancing their
// executions. Any number of pools on any number of processes may consume
// the same durable queue; the engine's sequence check keeps concurrent
// deliveries of the same unit harmless.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/visionflow/internal/taskqueue"
	"github.com/petrijr/visionflow/pkg/api"
)

// Pool consumes tasks from a queue and advances them on an engine.
type Pool struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewPool creates a pool. If logger is nil, slog.Default() is used.
func NewPool(engine api.Engine, queue taskqueue.Queue, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{engine: engine, queue: queue, logger: logger}
}

// Start launches n worker goroutines. It returns immediately; workers run
// until Stop is called or ctx is cancelled. Start may be called once.
func (p *Pool) Start(ctx context.Context, n int) error {
	if n <= 0 {
		return errors.New("worker: pool size must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker: pool already started")
	}
	p.started = true

	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(wctx, id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorContext(ctx, "dequeue failed",
				slog.Int("worker", id),
				slog.Any("error", err),
			)
			continue
		}
		p.process(ctx, id, task)
	}
}

func (p *Pool) process(ctx context.Context, id int, task *taskqueue.Task) {
	err := p.engine.Advance(ctx, api.Unit{
		ExecutionID: task.ExecutionID,
		StateName:   task.StateName,
		Attempt:     task.Attempt,
		RetryRule:   task.RetryRule,
	})
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	// Infrastructure failure (store or queue). The unit is lost from the
	// in-process queue's point of view, but the durable record still names
	// it; Recover replays it after restart.
	p.logger.ErrorContext(ctx, "advance failed",
		slog.Int("worker", id),
		slog.String("execution_id", task.ExecutionID),
		slog.String("state", task.StateName),
		slog.Int("attempt", task.Attempt),
		slog.Any("error", err),
	)
}

// ProcessOne dequeues and advances a single task, blocking until one is
// available or ctx is cancelled. Useful for deterministic tests.
func (p *Pool) ProcessOne(ctx context.Context) error {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	return p.engine.Advance(ctx, api.Unit{
		ExecutionID: task.ExecutionID,
		StateName:   task.StateName,
		Attempt:     task.Attempt,
		RetryRule:   task.RetryRule,
	})
}
