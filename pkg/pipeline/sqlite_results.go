package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// SQLiteResultStore persists result records in SQLite. Put is an upsert on
// (image_id, processed_timestamp); user_id is indexed for the query surface.
type SQLiteResultStore struct {
	db *sql.DB
}

var _ ResultStore = (*SQLiteResultStore)(nil)

const resultSchema = `
CREATE TABLE IF NOT EXISTS results (
	image_id            TEXT NOT NULL,
	processed_timestamp TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	status              TEXT NOT NULL,
	confidence          REAL NOT NULL,
	is_safe             INTEGER NOT NULL,
	has_faces           INTEGER NOT NULL,
	has_text            INTEGER NOT NULL,
	label_count         INTEGER NOT NULL,
	face_count          INTEGER NOT NULL,
	top_label           TEXT NOT NULL,
	analysis            TEXT,
	summary             TEXT NOT NULL,
	expiration_time     TEXT NOT NULL,
	schema_version      INTEGER NOT NULL,
	PRIMARY KEY (image_id, processed_timestamp)
);
CREATE INDEX IF NOT EXISTS idx_results_user ON results(user_id);
`

// NewSQLiteResultStore creates the store and its schema.
func NewSQLiteResultStore(db *sql.DB) (*SQLiteResultStore, error) {
	if _, err := db.Exec(resultSchema); err != nil {
		return nil, fmt.Errorf("create results schema: %w", err)
	}
	return &SQLiteResultStore{db: db}, nil
}

func (s *SQLiteResultStore) Put(ctx context.Context, rec ResultRecord) error {
	var analysis []byte
	if rec.Analysis != nil {
		var err error
		analysis, err = json.Marshal(rec.Analysis)
		if err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (
			image_id, processed_timestamp, user_id, status, confidence,
			is_safe, has_faces, has_text, label_count, face_count,
			top_label, analysis, summary, expiration_time, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (image_id, processed_timestamp) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			confidence = excluded.confidence,
			is_safe = excluded.is_safe,
			has_faces = excluded.has_faces,
			has_text = excluded.has_text,
			label_count = excluded.label_count,
			face_count = excluded.face_count,
			top_label = excluded.top_label,
			analysis = excluded.analysis,
			summary = excluded.summary,
			expiration_time = excluded.expiration_time,
			schema_version = excluded.schema_version`,
		rec.ImageID, rec.ProcessedTimestamp, rec.UserID, rec.Status, rec.Confidence,
		rec.IsSafe, rec.HasFaces, rec.HasText, rec.LabelCount, rec.FaceCount,
		rec.TopLabel, nullableBytes(analysis), rec.Summary,
		rec.ExpirationTime.UTC().Format(time.RFC3339), rec.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

const resultColumns = `image_id, processed_timestamp, user_id, status, confidence,
	is_safe, has_faces, has_text, label_count, face_count,
	top_label, analysis, summary, expiration_time, schema_version`

func (s *SQLiteResultStore) Get(ctx context.Context, imageID string) (*ResultRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+`
		FROM results WHERE image_id = ?
		ORDER BY processed_timestamp DESC LIMIT 1`, imageID)
	rec, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	return rec, err
}

func (s *SQLiteResultStore) Query(ctx context.Context, q ResultQuery) ([]*ResultRecord, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE 1=1`
	var args []any
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, q.MinConfidence)
	}
	if q.IsSafe != nil {
		query += ` AND is_safe = ?`
		args = append(args, *q.IsSafe)
	}
	query += ` ORDER BY processed_timestamp DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []*ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*ResultRecord, error) {
	var rec ResultRecord
	var analysis sql.NullString
	var expiration string
	if err := row.Scan(
		&rec.ImageID, &rec.ProcessedTimestamp, &rec.UserID, &rec.Status, &rec.Confidence,
		&rec.IsSafe, &rec.HasFaces, &rec.HasText, &rec.LabelCount, &rec.FaceCount,
		&rec.TopLabel, &analysis, &rec.Summary, &expiration, &rec.SchemaVersion,
	); err != nil {
		return nil, err
	}
	if analysis.Valid && analysis.String != "" {
		if err := json.Unmarshal([]byte(analysis.String), &rec.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339, expiration); err == nil {
		rec.ExpirationTime = t
	}
	return &rec, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
