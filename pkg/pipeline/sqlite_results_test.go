package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteResults(t *testing.T) *SQLiteResultStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection so the in-memory database is shared by all statements.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteResultStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteResultStore: %v", err)
	}
	return store
}

func sampleRecord(imageID, processedAt string) ResultRecord {
	return ResultRecord{
		ImageID:            imageID,
		ProcessedTimestamp: processedAt,
		UserID:             "alice",
		Status:             StatusCompleted,
		Confidence:         93.3,
		IsSafe:             true,
		HasFaces:           true,
		LabelCount:         2,
		FaceCount:          1,
		TopLabel:           "Cat",
		Analysis:           map[string]any{"confidence": 93.3, "top_label": "Cat"},
		Summary:            "2 labels, 1 faces, text:false, safe:true",
		ExpirationTime:     time.Date(2024, 3, 31, 12, 5, 0, 0, time.UTC),
		SchemaVersion:      SchemaVersion,
	}
}

func TestSQLiteResultsRoundTrip(t *testing.T) {
	store := newSQLiteResults(t)
	ctx := context.Background()

	rec := sampleRecord("img-1", "2024-03-01T12:05:00Z")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "alice" || got.Status != StatusCompleted || got.Confidence != 93.3 {
		t.Fatalf("record = %+v", got)
	}
	if !got.IsSafe || !got.HasFaces || got.HasText {
		t.Fatalf("flags = %+v", got)
	}
	if got.TopLabel != "Cat" || got.LabelCount != 2 || got.FaceCount != 1 {
		t.Fatalf("record = %+v", got)
	}
	if got.Analysis["top_label"] != "Cat" {
		t.Fatalf("analysis lost in round trip: %v", got.Analysis)
	}
	if !got.ExpirationTime.Equal(rec.ExpirationTime) {
		t.Fatalf("expiration = %v, want %v", got.ExpirationTime, rec.ExpirationTime)
	}
}

func TestSQLiteResultsUpsert(t *testing.T) {
	store := newSQLiteResults(t)
	ctx := context.Background()

	rec := sampleRecord("img-1", "2024-03-01T12:05:00Z")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.Confidence = 95.0
	rec.TopLabel = "Dog"
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	recs, err := store.Query(ctx, ResultQuery{UserID: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("replay created %d records, want 1", len(recs))
	}
	if recs[0].Confidence != 95.0 || recs[0].TopLabel != "Dog" {
		t.Fatalf("upsert did not overwrite: %+v", recs[0])
	}
}

func TestSQLiteResultsGetReturnsLatest(t *testing.T) {
	store := newSQLiteResults(t)
	ctx := context.Background()

	old := sampleRecord("img-1", "2024-03-01T12:05:00Z")
	newer := sampleRecord("img-1", "2024-03-02T08:00:00Z")
	newer.TopLabel = "Dog"
	for _, rec := range []ResultRecord{old, newer} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := store.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProcessedTimestamp != "2024-03-02T08:00:00Z" || got.TopLabel != "Dog" {
		t.Fatalf("Get returned %+v, want the latest record", got)
	}
}

func TestSQLiteResultsGetMissing(t *testing.T) {
	store := newSQLiteResults(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestSQLiteResultsQueryFilters(t *testing.T) {
	store := newSQLiteResults(t)
	ctx := context.Background()

	high := sampleRecord("img-1", "2024-03-01T12:05:00Z")
	low := sampleRecord("img-2", "2024-03-01T13:00:00Z")
	low.Confidence = 52.4
	flagged := sampleRecord("img-3", "2024-03-01T14:00:00Z")
	flagged.IsSafe = false
	other := sampleRecord("img-4", "2024-03-01T15:00:00Z")
	other.UserID = "bob"
	for _, rec := range []ResultRecord{high, low, flagged, other} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	recs, err := store.Query(ctx, ResultQuery{UserID: "alice", MinConfidence: 80})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 confident records for alice, got %d", len(recs))
	}
	// Newest first.
	if recs[0].ImageID != "img-3" || recs[1].ImageID != "img-1" {
		t.Fatalf("order = %s, %s", recs[0].ImageID, recs[1].ImageID)
	}

	safe := true
	recs, err = store.Query(ctx, ResultQuery{UserID: "alice", IsSafe: &safe, Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].ImageID != "img-2" {
		t.Fatalf("safe query = %+v", recs)
	}
}
