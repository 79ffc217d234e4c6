package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	visionflow "github.com/petrijr/visionflow"
	"github.com/petrijr/visionflow/pkg/pipeline"
)

// countingAnalyzer wraps an Analyzer and counts invocations.
type countingAnalyzer struct {
	inner pipeline.Analyzer
	calls atomic.Int64
}

func (a *countingAnalyzer) Analyze(ctx context.Context, bucket, key string) (pipeline.Analysis, error) {
	a.calls.Add(1)
	return a.inner.Analyze(ctx, bucket, key)
}

type fixture struct {
	rt       *visionflow.Runtime
	objects  *pipeline.MemoryObjectStore
	analyzer *countingAnalyzer
	results  *pipeline.MemoryResultStore
	notifier *pipeline.MemoryNotifier
}

func newFixture(t *testing.T, analysis pipeline.Analysis) *fixture {
	t.Helper()
	f := &fixture{
		rt:       visionflow.NewRuntime(),
		objects:  pipeline.NewMemoryObjectStore(),
		analyzer: &countingAnalyzer{inner: &pipeline.StaticAnalyzer{Response: analysis}},
		results:  pipeline.NewMemoryResultStore(),
		notifier: pipeline.NewMemoryNotifier(),
	}
	deps := pipeline.Deps{
		Objects:  f.objects,
		Analyzer: f.analyzer,
		Results:  f.results,
		Notifier: f.notifier,
	}
	if err := pipeline.Bind(f.rt.Engine, deps); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := f.rt.StartWorkers(context.Background(), 2); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	t.Cleanup(f.rt.Stop)
	return f
}

func (f *fixture) run(t *testing.T, key string, size int64) *visionflow.Execution {
	t.Helper()
	if size >= 0 {
		f.objects.PutObject(pipeline.ObjectMeta{
			Bucket:       "images",
			Key:          key,
			Size:         size,
			ContentType:  "image/jpeg",
			LastModified: time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC),
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := visionflow.Start(ctx, f.rt.Engine, pipeline.MachineName, visionflow.Document{
		"image_bucket": "images",
		"image_key":    key,
		"image_size":   size,
		"upload_time":  "2024-03-01T12:00:00Z",
	}, visionflow.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	exec, err := f.rt.WaitForExecution(ctx, id)
	if err != nil {
		t.Fatalf("WaitForExecution: %v", err)
	}
	return exec
}

func TestPipelineHighConfidenceUpload(t *testing.T) {
	f := newFixture(t, pipeline.Analysis{
		Labels:     []pipeline.Label{{Name: "Cat", Confidence: 96.6}, {Name: "Animal", Confidence: 91.2}},
		Faces:      []pipeline.Face{{Confidence: 90.0}},
		Moderation: []pipeline.Label{{Name: "Suggestive", Confidence: 5.0}},
	})

	exec := f.run(t, "uploads/alice/cat.jpg", 204800)
	if exec.Status != visionflow.StatusSucceeded {
		t.Fatalf("status = %s (%s)", exec.Status, exec.Error)
	}

	// 96.6 best label and 90.0 mean face confidence average to 93.3, above
	// the branch threshold, so the warning state is skipped.
	if n, _ := exec.Output.GetNumber("$.analysis.confidence"); n != 93.3 {
		t.Fatalf("confidence = %v", n)
	}
	if _, ok := exec.Output.Get("$.warning"); ok {
		t.Fatalf("high-confidence run should not carry a warning: %v", exec.Output)
	}
	if ok, _ := exec.Output.GetBool("$.persistence.persisted"); !ok {
		t.Fatalf("persistence result missing: %v", exec.Output)
	}
	branches, ok := exec.Output.Get("$.notifications")
	if !ok {
		t.Fatalf("notification branches missing: %v", exec.Output)
	}
	if outs, ok := branches.([]any); !ok || len(outs) != 2 {
		t.Fatalf("expected 2 branch outputs, got %v", branches)
	}

	imageID, _ := exec.Output.GetString("$.image_id")
	rec, err := f.results.Get(context.Background(), imageID)
	if err != nil {
		t.Fatalf("result record not stored: %v", err)
	}
	if rec.Status != pipeline.StatusCompleted || !rec.IsSafe || rec.TopLabel != "Cat" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.UserID != "alice" {
		t.Fatalf("user_id = %q", rec.UserID)
	}

	pubs := f.notifier.Published()
	if len(pubs) != 1 || pubs[0].Type != pipeline.NotifySuccess {
		t.Fatalf("notifications = %+v", pubs)
	}
	if f.analyzer.calls.Load() != 1 {
		t.Fatalf("analyzer called %d times", f.analyzer.calls.Load())
	}
}

func TestPipelineLowConfidenceStillPersists(t *testing.T) {
	f := newFixture(t, pipeline.Analysis{
		Labels: []pipeline.Label{{Name: "Blur", Confidence: 52.4}},
	})

	exec := f.run(t, "uploads/bob/blurry.png", 1024)
	if exec.Status != visionflow.StatusSucceeded {
		t.Fatalf("status = %s (%s)", exec.Status, exec.Error)
	}
	if msg, _ := exec.Output.GetString("$.warning.message"); msg == "" {
		t.Fatalf("low-confidence run should carry a warning: %v", exec.Output)
	}

	imageID, _ := exec.Output.GetString("$.image_id")
	rec, err := f.results.Get(context.Background(), imageID)
	if err != nil {
		t.Fatalf("low-confidence result not stored: %v", err)
	}
	if rec.Confidence != 52.4 || rec.Status != pipeline.StatusCompleted {
		t.Fatalf("record = %+v", rec)
	}
	if len(f.notifier.Published()) != 1 {
		t.Fatalf("notifications = %+v", f.notifier.Published())
	}
}

func TestPipelineUnsafeImageIsFlagged(t *testing.T) {
	f := newFixture(t, pipeline.Analysis{
		Labels:     []pipeline.Label{{Name: "Person", Confidence: 99.0}},
		Moderation: []pipeline.Label{{Name: "Explicit", Confidence: 88.0}},
	})

	exec := f.run(t, "uploads/carol/pic.jpg", 2048)
	if exec.Status != visionflow.StatusSucceeded {
		t.Fatalf("status = %s (%s)", exec.Status, exec.Error)
	}
	imageID, _ := exec.Output.GetString("$.image_id")
	rec, err := f.results.Get(context.Background(), imageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.IsSafe {
		t.Fatalf("moderated image stored as safe: %+v", rec)
	}
}

func TestPipelineValidationFailure(t *testing.T) {
	f := newFixture(t, pipeline.Analysis{})

	exec := f.run(t, "uploads/alice/empty.png", 0)
	if exec.Status != visionflow.StatusFailed {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Error != "ProcessingFailed: image processing pipeline failed" {
		t.Fatalf("error = %q", exec.Error)
	}

	// The invalid upload never reaches analysis or persistence.
	if f.analyzer.calls.Load() != 0 {
		t.Fatalf("analyzer called %d times for an invalid upload", f.analyzer.calls.Load())
	}
	if f.results.Len() != 0 {
		t.Fatalf("invalid upload persisted %d records", f.results.Len())
	}

	pubs := f.notifier.Published()
	if len(pubs) != 1 || pubs[0].Type != pipeline.NotifyValidationFailed {
		t.Fatalf("notifications = %+v", pubs)
	}
	if pubs[0].Payload["error"] == "" {
		t.Fatalf("rejection cause missing: %+v", pubs[0].Payload)
	}
}
