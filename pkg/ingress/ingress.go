// Package ingress turns object-storage upload events into workflow
// executions. Event delivery is at-least-once and bursty; the ingress
// deduplicates redeliveries through a durable seen-set and hands each fresh
// event to the engine with an idempotency token, so an upload starts exactly
// one execution no matter how many times its event arrives.
package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/visionflow/internal/persistence"
	"github.com/petrijr/visionflow/pkg/api"
)

// UploadEvent is one object-created notification.
type UploadEvent struct {
	Bucket string
	Key    string
	Size   int64
	Time   time.Time
}

// Outcome classifies what the ingress did with an event.
type Outcome string

const (
	// OutcomeAccepted means a new execution was started.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeDuplicate means the event was seen before within the dedup
	// window; no new execution was started.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeIgnored means the event's key falls outside the watched
	// prefix.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeRejected means starting the execution failed after retries;
	// the event should be replayed from its source.
	OutcomeRejected Outcome = "rejected"
)

// Result is the ingress's answer for one event.
type Result struct {
	Outcome     Outcome
	ExecutionID string
}

const (
	defaultPrefix      = "uploads/"
	defaultDedupWindow = 5 * time.Minute
	defaultTimeout     = 5 * time.Minute
	startAttempts      = 3
	startBackoffBase   = time.Second
)

// Options tunes an Ingress. Zero values select the defaults above.
type Options struct {
	// Prefix restricts processing to keys under it.
	Prefix string

	// DedupWindow is how long an event stays in the seen-set. Redeliveries
	// inside the window are dropped; a redelivery after the window falls
	// through to the engine's idempotency token and is still suppressed
	// if the execution exists.
	DedupWindow time.Duration

	// ExecutionTimeout bounds each started execution.
	ExecutionTimeout time.Duration

	Logger *slog.Logger
}

// Ingress routes upload events into a machine on an engine.
type Ingress struct {
	engine  api.Engine
	seen    persistence.SeenStore
	machine string

	prefix  string
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Ingress starting executions of the named machine.
func New(engine api.Engine, seen persistence.SeenStore, machine string, opts Options) *Ingress {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	timeout := opts.ExecutionTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		engine:  engine,
		seen:    seen,
		machine: machine,
		prefix:  prefix,
		window:  window,
		timeout: timeout,
		logger:  logger,
	}
}

// HandleEvent processes one upload event. It is safe to call concurrently
// and safe to call repeatedly with the same event.
func (in *Ingress) HandleEvent(ctx context.Context, ev UploadEvent) (Result, error) {
	if !strings.HasPrefix(ev.Key, in.prefix) {
		in.logger.DebugContext(ctx, "event ignored",
			slog.String("bucket", ev.Bucket),
			slog.String("key", ev.Key),
		)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	key := DedupKey(ev)
	first, err := in.seen.CheckAndSet(ctx, key, in.window)
	if err != nil {
		// The seen-set is an optimization; if it is unavailable, press on
		// and let the engine's idempotency token do the deduplication.
		in.logger.WarnContext(ctx, "seen-set unavailable, relying on start token",
			slog.String("dedup_key", key),
			slog.Any("error", err),
		)
		first = true
	}
	if !first {
		in.logger.DebugContext(ctx, "duplicate event dropped",
			slog.String("bucket", ev.Bucket),
			slog.String("key", ev.Key),
			slog.String("dedup_key", key),
		)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	doc := api.Document{
		"image_bucket":     ev.Bucket,
		"image_key":        ev.Key,
		"image_size":       ev.Size,
		"upload_time":      ev.Time.UTC().Format(time.RFC3339),
		"workflow_trigger": "s3_upload",
	}

	id, err := in.startWithRetry(ctx, doc, key)
	if err != nil {
		in.logger.ErrorContext(ctx, "event rejected, replay required",
			slog.String("bucket", ev.Bucket),
			slog.String("key", ev.Key),
			slog.String("dedup_key", key),
			slog.Any("error", err),
		)
		return Result{Outcome: OutcomeRejected}, err
	}

	in.logger.InfoContext(ctx, "execution started",
		slog.String("bucket", ev.Bucket),
		slog.String("key", ev.Key),
		slog.String("execution_id", id),
	)
	return Result{Outcome: OutcomeAccepted, ExecutionID: id}, nil
}

// startWithRetry retries transient start failures with jittered exponential
// backoff. The idempotency token makes the retries safe: if an earlier
// attempt actually went through, the engine returns its execution ID.
func (in *Ingress) startWithRetry(ctx context.Context, doc api.Document, token string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		id, err := in.engine.StartExecution(ctx, in.machine, doc, api.StartOptions{
			IdempotencyToken: token,
			Timeout:          in.timeout,
		})
		if err == nil {
			return id, nil
		}
		lastErr = err
		if attempt == startAttempts {
			break
		}
		delay := startBackoffBase << (attempt - 1)
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("start execution: %w", lastErr)
}

// DedupKey derives the deduplication key of an event from the identity of
// the upload. A re-upload of the same key at a different time is a new
// upload and gets a new execution.
func DedupKey(ev UploadEvent) string {
	h := sha256.Sum256([]byte(ev.Bucket + "/" + ev.Key + "/" + strconv.FormatInt(ev.Time.UTC().UnixNano(), 10)))
	return hex.EncodeToString(h[:16])
}
