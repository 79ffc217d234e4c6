package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/visionflow/internal/engine"
	"github.com/petrijr/visionflow/internal/persistence"
	"github.com/petrijr/visionflow/pkg/api"
)

func uploadMachine(name string) api.Definition {
	return api.Definition{
		Name:    name,
		StartAt: "Done",
		States:  map[string]api.State{"Done": {Type: api.StateSucceed}},
	}
}

func newIngress(t *testing.T, opts Options) (*Ingress, api.Engine) {
	t.Helper()
	eng, _ := engine.NewInMemory(nil)
	if err := eng.RegisterMachine(uploadMachine("uploads")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	return New(eng, persistence.NewInMemorySeenStore(), "uploads", opts), eng
}

func event(key string) UploadEvent {
	return UploadEvent{
		Bucket: "images",
		Key:    key,
		Size:   204800,
		Time:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleEventIgnoresForeignPrefix(t *testing.T) {
	in, _ := newIngress(t, Options{})
	res, err := in.HandleEvent(context.Background(), event("thumbnails/cat.jpg"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if res.ExecutionID != "" {
		t.Fatalf("ignored event produced execution %s", res.ExecutionID)
	}
}

func TestHandleEventStartsExecutionWithUploadDocument(t *testing.T) {
	in, eng := newIngress(t, Options{})
	ctx := context.Background()

	ev := event("uploads/alice/cat.jpg")
	res, err := in.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.ExecutionID == "" {
		t.Fatalf("expected accepted with execution ID, got %+v", res)
	}

	recs, err := eng.History(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	doc := recs[0].Input
	if b, _ := doc.GetString("$.image_bucket"); b != "images" {
		t.Fatalf("image_bucket = %q", b)
	}
	if k, _ := doc.GetString("$.image_key"); k != "uploads/alice/cat.jpg" {
		t.Fatalf("image_key = %q", k)
	}
	if n, _ := doc.GetNumber("$.image_size"); n != 204800 {
		t.Fatalf("image_size = %v", n)
	}
	if ts, _ := doc.GetString("$.upload_time"); ts != "2024-03-01T12:00:00Z" {
		t.Fatalf("upload_time = %q", ts)
	}
	if tr, _ := doc.GetString("$.workflow_trigger"); tr != "s3_upload" {
		t.Fatalf("workflow_trigger = %q", tr)
	}
}

func TestHandleEventDeduplicatesRedelivery(t *testing.T) {
	in, eng := newIngress(t, Options{})
	ctx := context.Background()

	ev := event("uploads/alice/cat.jpg")
	first, err := in.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	second, err := in.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}
	if first.Outcome != OutcomeAccepted || second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}

	execs, err := eng.ListExecutions(ctx, api.ExecutionListOptions{Machine: "uploads"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
}

func TestHandleEventRejectedWhenStartFails(t *testing.T) {
	eng, _ := engine.NewInMemory(nil)
	// No machine registered, so every start attempt fails.
	in := New(eng, persistence.NewInMemorySeenStore(), "missing", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := in.HandleEvent(ctx, event("uploads/alice/cat.jpg"))
	if err == nil {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", res.Outcome)
	}
}

type brokenSeenStore struct{}

func (brokenSeenStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("seen store down")
}

func TestHandleEventFallsBackToStartToken(t *testing.T) {
	eng, _ := engine.NewInMemory(nil)
	if err := eng.RegisterMachine(uploadMachine("uploads")); err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	in := New(eng, brokenSeenStore{}, "uploads", Options{})
	ctx := context.Background()

	ev := event("uploads/alice/cat.jpg")
	first, err := in.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	second, err := in.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}
	// Both calls report accepted, but the engine's idempotency token
	// collapses them onto one execution.
	if first.ExecutionID != second.ExecutionID {
		t.Fatalf("token did not deduplicate: %s vs %s", first.ExecutionID, second.ExecutionID)
	}
	execs, err := eng.ListExecutions(ctx, api.ExecutionListOptions{Machine: "uploads"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
}

func TestDedupKeyDependsOnUploadIdentity(t *testing.T) {
	base := event("uploads/alice/cat.jpg")
	same := event("uploads/alice/cat.jpg")
	if DedupKey(base) != DedupKey(same) {
		t.Fatalf("identical events produced different keys")
	}

	later := base
	later.Time = base.Time.Add(time.Second)
	if DedupKey(base) == DedupKey(later) {
		t.Fatalf("re-upload at a different time should get a new key")
	}

	otherKey := base
	otherKey.Key = "uploads/alice/dog.jpg"
	if DedupKey(base) == DedupKey(otherKey) {
		t.Fatalf("different objects should get different keys")
	}
}
