package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

// Validation policy, matching what the upload form promises the user.
const (
	maxImageSize = 10 << 20 // 10 MiB
)

var allowedFormats = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// moderationThreshold is the confidence at or above which a moderation
// label marks the image unsafe.
const moderationThreshold = 70.0

// resultTTL is how long persisted records live before expiring.
const resultTTL = 30 * 24 * time.Hour

// Deps are the collaborators the executors call. Now is injectable for
// tests and defaults to time.Now.
type Deps struct {
	Objects  ObjectStore
	Analyzer Analyzer
	Results  ResultStore
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Executors returns the executor set for the image-analysis machine, keyed
// by the names Machine binds. Every executor is idempotent: re-running one
// after a crash or redelivery produces the same document patch and no
// duplicate persisted state.
func Executors(deps Deps) map[string]api.StepExecutor {
	return map[string]api.StepExecutor{
		ExecValidate:         api.StepFunc(deps.validate),
		ExecAnalyze:          api.StepFunc(deps.analyze),
		ExecSaveResults:      api.StepFunc(deps.saveResults),
		ExecSendNotification: api.StepFunc(deps.sendNotification),
		ExecLogSuccess:       api.StepFunc(deps.logSuccess),
		ExecValidationFailed: api.StepFunc(deps.notifyValidationFailed),
		ExecHandleError:      api.StepFunc(deps.handleError),
	}
}

// Bind registers the machine and its executors on an engine.
func Bind(engine api.Engine, deps Deps) error {
	if err := engine.RegisterMachine(Machine()); err != nil {
		return err
	}
	for name, ex := range Executors(deps) {
		if err := engine.BindExecutor(name, ex); err != nil {
			return err
		}
	}
	return nil
}

// validate checks the uploaded object against the format and size policy.
// Metadata comes from the object store, never from the triggering event.
func (d *Deps) validate(ctx context.Context, doc api.Document) (any, error) {
	bucket, _ := doc.GetString("$.image_bucket")
	key, _ := doc.GetString("$.image_key")
	uploadTime, _ := doc.GetString("$.upload_time")
	if bucket == "" || key == "" {
		return nil, api.NewValidationError("event is missing image_bucket or image_key")
	}

	meta, err := d.Objects.Head(ctx, bucket, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, api.NewValidationError("object %s/%s does not exist", bucket, key)
	}
	if err != nil {
		return nil, api.NewTransientError(err, "fetch metadata for %s/%s", bucket, key)
	}

	ext := strings.ToLower(path.Ext(key))
	if !allowedFormats[ext] {
		return nil, api.NewValidationError("unsupported image format %q", ext)
	}
	if meta.Size == 0 {
		return nil, api.NewValidationError("object %s/%s is empty", bucket, key)
	}
	if meta.Size > maxImageSize {
		return nil, api.NewValidationError("object size %d exceeds limit %d", meta.Size, maxImageSize)
	}

	return map[string]any{
		"image_id":          ImageID(bucket, key, uploadTime),
		"format":            strings.TrimPrefix(ext, "."),
		"user_id":           UserIDFromKey(key),
		"validation_status": "passed",
		"metadata": map[string]any{
			"content_type":  meta.ContentType,
			"etag":          meta.ETag,
			"last_modified": meta.LastModified.UTC().Format(time.RFC3339),
			"size":          meta.Size,
		},
	}, nil
}

// analyze calls the vision service and reduces its detections to the fields
// the rest of the pipeline branches and persists on.
func (d *Deps) analyze(ctx context.Context, doc api.Document) (any, error) {
	bucket, _ := doc.GetString("$.image_bucket")
	key, _ := doc.GetString("$.image_key")

	a, err := d.Analyzer.Analyze(ctx, bucket, key)
	if err != nil {
		return nil, api.NewTransientError(err, "analyze %s/%s", bucket, key)
	}

	confidence := OverallConfidence(a)
	topLabel := ""
	best := -1.0
	for _, l := range a.Labels {
		if l.Confidence > best {
			best = l.Confidence
			topLabel = l.Name
		}
	}
	isSafe := IsSafe(a)

	return map[string]any{
		"labels":      labelsToAny(a.Labels),
		"faces":       facesToAny(a.Faces),
		"text_lines":  a.TextLines,
		"moderation":  labelsToAny(a.Moderation),
		"confidence":  confidence,
		"is_safe":     isSafe,
		"has_faces":   len(a.Faces) > 0,
		"has_text":    len(a.TextLines) > 0,
		"label_count": len(a.Labels),
		"face_count":  len(a.Faces),
		"top_label":   topLabel,
		"summary": fmt.Sprintf("%d labels, %d faces, text:%t, safe:%t",
			len(a.Labels), len(a.Faces), len(a.TextLines) > 0, isSafe),
		"analyzed_at": d.now().UTC().Format(time.RFC3339),
	}, nil
}

// saveResults upserts the record the external result viewer queries.
// The record key is derived from the document, not from the wall clock, so
// a retried save lands on the same key instead of creating a duplicate.
func (d *Deps) saveResults(ctx context.Context, doc api.Document) (any, error) {
	imageID, _ := doc.GetString("$.image_id")
	if imageID == "" {
		return nil, api.NewStepError(api.ErrorKindTaskFailed, "document has no image_id")
	}
	processedAt, _ := doc.GetString("$.analysis.analyzed_at")
	if processedAt == "" {
		processedAt, _ = doc.GetString("$.upload_time")
	}

	rec := ResultRecord{
		ImageID:            imageID,
		ProcessedTimestamp: processedAt,
		UserID:             stringOr(doc, "$.user_id", "unknown"),
		Status:             StatusCompleted,
		SchemaVersion:      SchemaVersion,
	}
	rec.Confidence, _ = doc.GetNumber("$.analysis.confidence")
	rec.IsSafe, _ = doc.GetBool("$.analysis.is_safe")
	rec.HasFaces, _ = doc.GetBool("$.analysis.has_faces")
	rec.HasText, _ = doc.GetBool("$.analysis.has_text")
	if n, ok := doc.GetNumber("$.analysis.label_count"); ok {
		rec.LabelCount = int(n)
	}
	if n, ok := doc.GetNumber("$.analysis.face_count"); ok {
		rec.FaceCount = int(n)
	}
	rec.TopLabel, _ = doc.GetString("$.analysis.top_label")
	rec.Summary, _ = doc.GetString("$.analysis.summary")
	if analysis, ok := doc.Get("$.analysis"); ok {
		if m, ok := analysis.(map[string]any); ok {
			rec.Analysis = m
		}
	}
	if t, err := time.Parse(time.RFC3339, processedAt); err == nil {
		rec.ExpirationTime = t.Add(resultTTL)
	} else {
		rec.ExpirationTime = d.now().UTC().Add(resultTTL)
	}

	if err := d.Results.Put(ctx, rec); err != nil {
		return nil, api.NewTransientError(err, "persist result %s", imageID)
	}
	return map[string]any{
		"persisted":           true,
		"image_id":            imageID,
		"processed_timestamp": processedAt,
	}, nil
}

// sendNotification publishes the success event.
func (d *Deps) sendNotification(ctx context.Context, doc api.Document) (any, error) {
	imageID, _ := doc.GetString("$.image_id")
	confidence, _ := doc.GetNumber("$.analysis.confidence")
	isSafe, _ := doc.GetBool("$.analysis.is_safe")

	n := Notification{
		Type:      NotifySuccess,
		EventType: "image.processed",
		Severity:  "info",
		ImageID:   imageID,
		Payload: map[string]any{
			"confidence": confidence,
			"is_safe":    isSafe,
			"user_id":    stringOr(doc, "$.user_id", "unknown"),
		},
		Timestamp: d.now().UTC(),
	}
	if err := d.Notifier.Publish(ctx, n); err != nil {
		return nil, api.NewTransientError(err, "publish success notification")
	}
	return map[string]any{"sent": true, "type": NotifySuccess}, nil
}

// logSuccess writes the audit log line for a processed image.
func (d *Deps) logSuccess(ctx context.Context, doc api.Document) (any, error) {
	imageID, _ := doc.GetString("$.image_id")
	confidence, _ := doc.GetNumber("$.analysis.confidence")
	d.logger().InfoContext(ctx, "image processed",
		slog.String("image_id", imageID),
		slog.String("user_id", stringOr(doc, "$.user_id", "unknown")),
		slog.Float64("confidence", confidence),
	)
	return map[string]any{"logged_at": d.now().UTC().Format(time.RFC3339)}, nil
}

// notifyValidationFailed publishes the rejection event for an invalid upload.
func (d *Deps) notifyValidationFailed(ctx context.Context, doc api.Document) (any, error) {
	cause, _ := doc.GetString("$.error.Cause")
	n := Notification{
		Type:      NotifyValidationFailed,
		EventType: "image.validation_failed",
		Severity:  "warning",
		ImageID:   stringOr(doc, "$.image_id", ""),
		Payload: map[string]any{
			"error":     cause,
			"image_key": stringOr(doc, "$.image_key", ""),
		},
		Timestamp: d.now().UTC(),
	}
	if err := d.Notifier.Publish(ctx, n); err != nil {
		return nil, api.NewTransientError(err, "publish validation notification")
	}
	return map[string]any{"sent": true, "type": NotifyValidationFailed}, nil
}

// handleError publishes the failure event and persists a FAILED placeholder
// record, so a client polling for the image's result sees a terminal answer
// instead of an indefinite absence.
func (d *Deps) handleError(ctx context.Context, doc api.Document) (any, error) {
	kind, _ := doc.GetString("$.error.Error")
	cause, _ := doc.GetString("$.error.Cause")
	imageID, _ := doc.GetString("$.image_id")
	if imageID == "" {
		bucket, _ := doc.GetString("$.image_bucket")
		key, _ := doc.GetString("$.image_key")
		uploadTime, _ := doc.GetString("$.upload_time")
		imageID = ImageID(bucket, key, uploadTime)
	}

	n := Notification{
		Type:      NotifyError,
		EventType: "image.failed",
		Severity:  "error",
		ImageID:   imageID,
		Payload: map[string]any{
			"error_kind": kind,
			"error":      cause,
			"image_key":  stringOr(doc, "$.image_key", ""),
		},
		Timestamp: d.now().UTC(),
	}
	if err := d.Notifier.Publish(ctx, n); err != nil {
		return nil, api.NewTransientError(err, "publish error notification")
	}

	processedAt := stringOr(doc, "$.upload_time", d.now().UTC().Format(time.RFC3339))
	rec := ResultRecord{
		ImageID:            imageID,
		ProcessedTimestamp: processedAt,
		UserID:             stringOr(doc, "$.user_id", "unknown"),
		Status:             StatusFailed,
		Summary:            kind + ": " + cause,
		ExpirationTime:     d.now().UTC().Add(resultTTL),
		SchemaVersion:      SchemaVersion,
	}
	if err := d.Results.Put(ctx, rec); err != nil {
		return nil, api.NewTransientError(err, "persist failure record %s", imageID)
	}
	return map[string]any{"handled": true, "image_id": imageID}, nil
}

// ImageID derives the stable identifier of an upload from the object
// reference and upload time.
func ImageID(bucket, key, uploadTime string) string {
	h := sha256.Sum256([]byte(bucket + "/" + key + "/" + uploadTime))
	return hex.EncodeToString(h[:8])
}

// UserIDFromKey extracts the user segment of an "uploads/<user>/..." key.
func UserIDFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) >= 3 && parts[0] == "uploads" {
		return parts[1]
	}
	return "unknown"
}

// OverallConfidence aggregates detections into one score: the mean of the
// components present (best label confidence, mean face confidence, a fixed
// 80 when text was found), rounded to two decimals. Deterministic for a
// given Analysis since CheckConfidence branches on it.
func OverallConfidence(a Analysis) float64 {
	var parts []float64
	if len(a.Labels) > 0 {
		best := a.Labels[0].Confidence
		for _, l := range a.Labels[1:] {
			if l.Confidence > best {
				best = l.Confidence
			}
		}
		parts = append(parts, best)
	}
	if len(a.Faces) > 0 {
		sum := 0.0
		for _, f := range a.Faces {
			sum += f.Confidence
		}
		parts = append(parts, sum/float64(len(a.Faces)))
	}
	if len(a.TextLines) > 0 {
		parts = append(parts, 80)
	}
	if len(parts) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return math.Round(sum/float64(len(parts))*100) / 100
}

// IsSafe reports whether no moderation label reaches the threshold.
func IsSafe(a Analysis) bool {
	for _, m := range a.Moderation {
		if m.Confidence >= moderationThreshold {
			return false
		}
	}
	return true
}

func labelsToAny(labels []Label) []any {
	out := make([]any, len(labels))
	for i, l := range labels {
		out[i] = map[string]any{"name": l.Name, "confidence": l.Confidence}
	}
	return out
}

func facesToAny(faces []Face) []any {
	out := make([]any, len(faces))
	for i, f := range faces {
		out[i] = map[string]any{"confidence": f.Confidence}
	}
	return out
}

func stringOr(doc api.Document, path, fallback string) string {
	if s, ok := doc.GetString(path); ok && s != "" {
		return s
	}
	return fallback
}
