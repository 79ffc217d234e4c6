package visionflow

import (
	"database/sql"

	workerpkg "github.com/petrijr/visionflow/pkg/worker"
)

// Bundle wires together an Engine, a durable task queue, and a worker Pool
// that consumes units from that queue.
type Bundle struct {
	Engine Engine
	Pool   *workerpkg.Pool

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Pool.
	queue Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Pool combo sharing
// the same SQLite database. Execution logs and queued units are persisted in
// the provided *sql.DB, so a crashed process resumes cleanly:
//
//	db, _ := sql.Open("sqlite", "file:visionflow.db?_journal=WAL")
//	bundle, err := visionflow.NewSQLiteBundle(db, nil)
//	// register machines and bind executors on bundle.Engine
//	count, _ := visionflow.Recover(ctx, bundle.Engine)
//	_ = bundle.Pool.Start(ctx, 4)
func NewSQLiteBundle(db *sql.DB, obs Observer) (*Bundle, error) {
	eng, q, err := NewSQLiteEngineWithObserver(db, obs)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Engine: eng,
		Pool:   workerpkg.NewPool(eng, q, nil),
		queue:  q,
	}, nil
}
