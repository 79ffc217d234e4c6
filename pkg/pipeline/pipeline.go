// Package pipeline is the image-analysis workflow: the machine definition
// (validate, analyze, branch on confidence, persist, parallel notify), the
// task executors bound to it, and the collaborator interfaces they call
// (object store, vision analyzer, result store, notifier).
//
// The collaborators are interfaces so the pipeline runs against local
// implementations in development and tests; production adapters plug in at
// the same seams.
package pipeline

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrObjectNotFound is returned by ObjectStore.Head for a missing object.
	ErrObjectNotFound = errors.New("object not found")

	// ErrResultNotFound is returned by ResultStore.Get for an unknown image.
	ErrResultNotFound = errors.New("result not found")
)

// ObjectMeta is the metadata of a stored object. Validation works from this,
// never from the triggering event's claims.
type ObjectMeta struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// ObjectStore reads object metadata from blob storage.
type ObjectStore interface {
	Head(ctx context.Context, bucket, key string) (ObjectMeta, error)
}

// Label is one detection with a confidence score in [0, 100].
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Face is one detected face.
type Face struct {
	Confidence float64 `json:"confidence"`
}

// Analysis is the raw vision-service response for one image.
type Analysis struct {
	Labels     []Label  `json:"labels"`
	Faces      []Face   `json:"faces"`
	TextLines  []string `json:"text_lines"`
	Moderation []Label  `json:"moderation"`
}

// Analyzer calls the vision service for an object reference.
type Analyzer interface {
	Analyze(ctx context.Context, bucket, key string) (Analysis, error)
}

// ResultRecord is the persisted outcome of one processed image, in exactly
// the shape the external result viewer queries.
type ResultRecord struct {
	ImageID            string         `json:"image_id"`
	ProcessedTimestamp string         `json:"processed_timestamp"`
	UserID             string         `json:"user_id"`
	Status             string         `json:"status"`
	Confidence         float64        `json:"confidence"`
	IsSafe             bool           `json:"is_safe"`
	HasFaces           bool           `json:"has_faces"`
	HasText            bool           `json:"has_text"`
	LabelCount         int            `json:"label_count"`
	FaceCount          int            `json:"face_count"`
	TopLabel           string         `json:"top_label"`
	Analysis           map[string]any `json:"analysis,omitempty"`
	Summary            string         `json:"summary"`
	ExpirationTime     time.Time      `json:"expiration_time"`
	SchemaVersion      int            `json:"schema_version"`
}

// Record statuses.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// SchemaVersion is the current ResultRecord schema version.
const SchemaVersion = 1

// ResultQuery filters ResultStore.Query. Zero values mean no filter.
type ResultQuery struct {
	UserID        string
	MinConfidence float64
	IsSafe        *bool
	Limit         int
}

// ResultStore persists processed-image records. Put has upsert semantics:
// writing the same (ImageID, ProcessedTimestamp) twice leaves one record,
// so a retried persist step never duplicates.
type ResultStore interface {
	Put(ctx context.Context, rec ResultRecord) error
	Get(ctx context.Context, imageID string) (*ResultRecord, error)
	Query(ctx context.Context, q ResultQuery) ([]*ResultRecord, error)
}

// Notification types.
const (
	NotifySuccess          = "success"
	NotifyError            = "error"
	NotifyValidationFailed = "validation_failed"
)

// Notification is one outcome event published downstream.
type Notification struct {
	Type      string         `json:"notification_type"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	ImageID   string         `json:"image_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier publishes outcome notifications.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}
