package pipeline

import (
	"context"
	"sort"
	"sync"
)

// MemoryObjectStore is an in-memory ObjectStore for development and tests.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]ObjectMeta
}

var _ ObjectStore = (*MemoryObjectStore)(nil)

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]ObjectMeta)}
}

// PutObject registers an object's metadata.
func (s *MemoryObjectStore) PutObject(meta ObjectMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[meta.Bucket+"/"+meta.Key] = meta
}

func (s *MemoryObjectStore) Head(_ context.Context, bucket, key string) (ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.objects[bucket+"/"+key]
	if !ok {
		return ObjectMeta{}, ErrObjectNotFound
	}
	return meta, nil
}

// StaticAnalyzer returns a fixed Analysis for every image, optionally
// overridden per key. A nil Err and zero Response analyze everything as an
// empty image.
type StaticAnalyzer struct {
	Response Analysis
	Err      error

	mu    sync.RWMutex
	byKey map[string]Analysis
}

var _ Analyzer = (*StaticAnalyzer)(nil)

// SetResponse overrides the response for one bucket/key pair.
func (a *StaticAnalyzer) SetResponse(bucket, key string, resp Analysis) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byKey == nil {
		a.byKey = make(map[string]Analysis)
	}
	a.byKey[bucket+"/"+key] = resp
}

func (a *StaticAnalyzer) Analyze(_ context.Context, bucket, key string) (Analysis, error) {
	if a.Err != nil {
		return Analysis{}, a.Err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if resp, ok := a.byKey[bucket+"/"+key]; ok {
		return resp, nil
	}
	return a.Response, nil
}

// MemoryResultStore is an in-memory ResultStore keyed by
// (ImageID, ProcessedTimestamp), with upsert Put semantics.
type MemoryResultStore struct {
	mu      sync.RWMutex
	records map[string]ResultRecord
}

var _ ResultStore = (*MemoryResultStore)(nil)

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{records: make(map[string]ResultRecord)}
}

func (s *MemoryResultStore) Put(_ context.Context, rec ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ImageID+"|"+rec.ProcessedTimestamp] = rec
	return nil
}

// Get returns the latest record for an image.
func (s *MemoryResultStore) Get(_ context.Context, imageID string) (*ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *ResultRecord
	for _, rec := range s.records {
		if rec.ImageID != imageID {
			continue
		}
		if found == nil || rec.ProcessedTimestamp > found.ProcessedTimestamp {
			r := rec
			found = &r
		}
	}
	if found == nil {
		return nil, ErrResultNotFound
	}
	return found, nil
}

func (s *MemoryResultStore) Query(_ context.Context, q ResultQuery) ([]*ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ResultRecord
	for _, rec := range s.records {
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		if q.MinConfidence > 0 && rec.Confidence < q.MinConfidence {
			continue
		}
		if q.IsSafe != nil && rec.IsSafe != *q.IsSafe {
			continue
		}
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessedTimestamp > out[j].ProcessedTimestamp
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryNotifier collects published notifications for inspection in tests.
type MemoryNotifier struct {
	mu        sync.RWMutex
	published []Notification

	// FailTimes makes the next n Publish calls fail with Err, for
	// exercising retry paths.
	FailTimes int
	Err       error
}

var _ Notifier = (*MemoryNotifier)(nil)

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Publish(_ context.Context, notif Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailTimes > 0 {
		n.FailTimes--
		return n.Err
	}
	n.published = append(n.published, notif)
	return nil
}

// Published returns a copy of all delivered notifications.
func (n *MemoryNotifier) Published() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.published))
	copy(out, n.published)
	return out
}
