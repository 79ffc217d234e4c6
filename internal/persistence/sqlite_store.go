package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

// SQLiteExecutionStore is an ExecutionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteExecutionStore struct {
	db *sql.DB
}

// Ensure SQLiteExecutionStore implements ExecutionStore.
var _ ExecutionStore = (*SQLiteExecutionStore)(nil)

// NewSQLiteExecutionStore initializes the required schema in the given
// database and returns a new SQLiteExecutionStore.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			machine TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			deadline INTEGER NOT NULL,
			output BLOB,
			error TEXT
		);
		CREATE TABLE IF NOT EXISTS state_records (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state_name TEXT NOT NULL,
			entered_at INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			retry_rule INTEGER NOT NULL,
			input BLOB,
			err_kind TEXT,
			err_message TEXT,
			PRIMARY KEY (execution_id, seq)
		);
		CREATE TABLE IF NOT EXISTS start_tokens (
			token TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution, first api.StateRecord, token string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	if token != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT execution_id FROM start_tokens WHERE token = ?`, token,
		).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
	}

	output, err := EncodeDocument(exec.Output)
	if err != nil {
		return "", false, err
	}

	var deadline int64
	if !exec.Deadline.IsZero() {
		deadline = exec.Deadline.UnixNano()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, machine, status, started_at, deadline, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Machine,
		string(exec.Status),
		exec.StartedAt.UnixNano(),
		deadline,
		output,
		exec.Error,
	); err != nil {
		return "", false, err
	}

	if err := insertRecord(ctx, tx, first); err != nil {
		return "", false, err
	}

	if token != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO start_tokens (token, execution_id) VALUES (?, ?)`,
			token, exec.ID,
		); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return exec.ID, true, nil
}

func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, machine, status, started_at, deadline, output, error
		FROM executions
		WHERE id = ?`,
		id,
	)
	return scanExecution(row)
}

func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error) {
	query := `SELECT id, machine, status, started_at, deadline, output, error FROM executions WHERE 1=1`
	var args []any
	if opts.Machine != "" {
		query += ` AND machine = ?`
		args = append(args, opts.Machine)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func (s *SQLiteExecutionStore) AppendRecord(ctx context.Context, rec api.StateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM state_records WHERE execution_id = ?`, rec.ExecutionID,
	).Scan(&latest)
	if err != nil {
		return err
	}
	if !latest.Valid {
		return ErrExecutionNotFound
	}
	if rec.Seq != latest.Int64+1 {
		return ErrSequenceConflict
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteExecutionStore) LatestRecord(ctx context.Context, executionID string) (api.StateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, seq, state_name, entered_at, attempt, retry_rule, input, err_kind, err_message
		FROM state_records
		WHERE execution_id = ?
		ORDER BY seq DESC
		LIMIT 1`,
		executionID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.StateRecord{}, ErrExecutionNotFound
		}
		return api.StateRecord{}, err
	}
	return rec, nil
}

func (s *SQLiteExecutionStore) History(ctx context.Context, executionID string) ([]api.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, state_name, entered_at, attempt, retry_rule, input, err_kind, err_message
		FROM state_records
		WHERE execution_id = ?
		ORDER BY seq`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []api.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if len(result) == 0 {
		return nil, ErrExecutionNotFound
	}
	return result, rows.Err()
}

func (s *SQLiteExecutionStore) SetStatus(ctx context.Context, id string, status api.Status, output api.Document, errMsg string) error {
	out, err := EncodeDocument(output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, output = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(status),
		out,
		errMsg,
		id,
		string(api.StatusRunning),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish "missing" from "already terminal".
		var st string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		return ErrStatusTerminal
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.Execution, error) {
	var exec api.Execution
	var statusStr string
	var startedAt, deadline int64
	var output []byte
	var errStr sql.NullString

	if err := row.Scan(&exec.ID, &exec.Machine, &statusStr, &startedAt, &deadline, &output, &errStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}

	exec.Status = api.Status(statusStr)
	exec.StartedAt = time.Unix(0, startedAt)
	if deadline != 0 {
		exec.Deadline = time.Unix(0, deadline)
	}
	doc, err := DecodeDocument(output)
	if err != nil {
		return nil, err
	}
	exec.Output = doc
	if errStr.Valid {
		exec.Error = errStr.String
	}
	return &exec, nil
}

func scanRecord(row rowScanner) (api.StateRecord, error) {
	var rec api.StateRecord
	var enteredAt int64
	var input []byte
	var errKind, errMessage sql.NullString

	if err := row.Scan(&rec.ExecutionID, &rec.Seq, &rec.StateName, &enteredAt, &rec.Attempt, &rec.RetryRule, &input, &errKind, &errMessage); err != nil {
		return api.StateRecord{}, err
	}
	rec.EnteredAt = time.Unix(0, enteredAt)
	doc, err := DecodeDocument(input)
	if err != nil {
		return api.StateRecord{}, err
	}
	rec.Input = doc
	if errKind.Valid {
		rec.ErrKind = errKind.String
	}
	if errMessage.Valid {
		rec.ErrMessage = errMessage.String
	}
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec api.StateRecord) error {
	input, err := EncodeDocument(rec.Input)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_records (execution_id, seq, state_name, entered_at, attempt, retry_rule, input, err_kind, err_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID,
		rec.Seq,
		rec.StateName,
		rec.EnteredAt.UnixNano(),
		rec.Attempt,
		rec.RetryRule,
		input,
		rec.ErrKind,
		rec.ErrMessage,
	)
	return err
}

// SQLiteSeenStore is a SeenStore backed by a SQLite table with expiry-based
// eviction.
type SQLiteSeenStore struct {
	db *sql.DB
}

var _ SeenStore = (*SQLiteSeenStore)(nil)

// NewSQLiteSeenStore initializes the seen-keys table and returns a store.
func NewSQLiteSeenStore(db *sql.DB) (*SQLiteSeenStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS seen_keys (
			key TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);`,
	)
	if err != nil {
		return nil, err
	}
	return &SQLiteSeenStore{db: db}, nil
}

func (s *SQLiteSeenStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seen_keys WHERE expires_at < ?`, now.UnixNano(),
	); err != nil {
		return false, err
	}

	var expires int64
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at FROM seen_keys WHERE key = ?`, key,
	).Scan(&expires)
	if err == nil {
		return false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO seen_keys (key, expires_at) VALUES (?, ?)`,
		key, now.Add(ttl).UnixNano(),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
