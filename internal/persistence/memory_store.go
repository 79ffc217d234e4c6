package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of MachineStore and
// ExecutionStore backed by maps. It is not durable; use it for tests and
// local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	machines map[string]api.Definition
	execs    map[string]*api.Execution
	records  map[string][]api.StateRecord
	tokens   map[string]string // idempotency token -> execution ID
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		machines: make(map[string]api.Definition),
		execs:    make(map[string]*api.Execution),
		records:  make(map[string][]api.StateRecord),
		tokens:   make(map[string]string),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ MachineStore = (*InMemoryStore)(nil)

var _ ExecutionStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveMachine(def api.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.machines[def.Name] = def
	return nil
}

func (s *InMemoryStore) GetMachine(name string) (api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.machines[name]
	if !ok {
		return api.Definition{}, ErrMachineNotFound
	}
	return def, nil
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.Execution, first api.StateRecord, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" {
		if existing, ok := s.tokens[token]; ok {
			return existing, false, nil
		}
	}

	cp := *exec
	cp.Output = exec.Output.Clone()
	s.execs[exec.ID] = &cp
	s.records[exec.ID] = []api.StateRecord{cloneRecord(first)}
	if token != "" {
		s.tokens[token] = exec.ID
	}
	return exec.ID, true, nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.execs {
		if opts.Machine != "" && exec.Machine != opts.Machine {
			continue
		}
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}
	return result, nil
}

func (s *InMemoryStore) AppendRecord(ctx context.Context, rec api.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.records[rec.ExecutionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if rec.Seq != recs[len(recs)-1].Seq+1 {
		return ErrSequenceConflict
	}
	s.records[rec.ExecutionID] = append(recs, cloneRecord(rec))
	return nil
}

func (s *InMemoryStore) LatestRecord(ctx context.Context, executionID string) (api.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.records[executionID]
	if !ok || len(recs) == 0 {
		return api.StateRecord{}, ErrExecutionNotFound
	}
	return cloneRecord(recs[len(recs)-1]), nil
}

func (s *InMemoryStore) History(ctx context.Context, executionID string) ([]api.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.records[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	out := make([]api.StateRecord, len(recs))
	for i, r := range recs {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func (s *InMemoryStore) SetStatus(ctx context.Context, id string, status api.Status, output api.Document, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.Status.Terminal() {
		return ErrStatusTerminal
	}
	exec.Status = status
	exec.Output = output.Clone()
	exec.Error = errMsg
	return nil
}

func cloneRecord(r api.StateRecord) api.StateRecord {
	cp := r
	cp.Input = r.Input.Clone()
	return cp
}

// InMemorySeenStore is a SeenStore backed by a map with lazy TTL eviction.
type InMemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
}

// NewInMemorySeenStore creates a new InMemorySeenStore.
func NewInMemorySeenStore() *InMemorySeenStore {
	return &InMemorySeenStore{seen: make(map[string]time.Time)}
}

var _ SeenStore = (*InMemorySeenStore)(nil)

func (s *InMemorySeenStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict expired entries opportunistically; the set stays small because
	// entries only live for the dedup window.
	for k, exp := range s.seen {
		if exp.Before(now) {
			delete(s.seen, k)
		}
	}

	if exp, ok := s.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}
