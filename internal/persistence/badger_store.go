package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/petrijr/visionflow/pkg/api"
)

// BadgerExecutionStore is an ExecutionStore backed by a badger key-value
// database. Layout:
//
//	exec:<id>          => JSON execution
//	rec:<id>:<seq>     => JSON state record (seq zero-padded for ordering)
//	last:<id>          => latest seq, decimal
//	tok:<token>        => execution ID
//
// Appends run inside a badger transaction; a conflicting concurrent append
// surfaces as ErrSequenceConflict, which is exactly the single-writer guard
// the engine relies on.
type BadgerExecutionStore struct {
	db *badger.DB
}

var _ ExecutionStore = (*BadgerExecutionStore)(nil)

// NewBadgerExecutionStore returns a store over an open badger DB.
func NewBadgerExecutionStore(db *badger.DB) *BadgerExecutionStore {
	return &BadgerExecutionStore{db: db}
}

func keyExec(id string) []byte          { return []byte("exec:" + id) }
func keyLast(id string) []byte          { return []byte("last:" + id) }
func keyToken(token string) []byte      { return []byte("tok:" + token) }
func keyRecord(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("rec:%s:%012d", id, seq))
}

type badgerExecPayload struct {
	ID        string       `json:"id"`
	Machine   string       `json:"machine"`
	Status    string       `json:"status"`
	StartedAt int64        `json:"started_at"`
	Deadline  int64        `json:"deadline,omitempty"`
	Output    api.Document `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type badgerRecordPayload struct {
	ExecutionID string       `json:"execution_id"`
	Seq         int64        `json:"seq"`
	StateName   string       `json:"state_name"`
	EnteredAt   int64        `json:"entered_at"`
	Attempt     int          `json:"attempt"`
	RetryRule   int          `json:"retry_rule"`
	Input       api.Document `json:"input,omitempty"`
	ErrKind     string       `json:"err_kind,omitempty"`
	ErrMessage  string       `json:"err_message,omitempty"`
}

func toExecPayload(exec *api.Execution) badgerExecPayload {
	p := badgerExecPayload{
		ID:        exec.ID,
		Machine:   exec.Machine,
		Status:    string(exec.Status),
		StartedAt: exec.StartedAt.UnixNano(),
		Output:    exec.Output,
		Error:     exec.Error,
	}
	if !exec.Deadline.IsZero() {
		p.Deadline = exec.Deadline.UnixNano()
	}
	return p
}

func fromExecPayload(p badgerExecPayload) *api.Execution {
	exec := &api.Execution{
		ID:        p.ID,
		Machine:   p.Machine,
		Status:    api.Status(p.Status),
		StartedAt: time.Unix(0, p.StartedAt),
		Output:    p.Output,
		Error:     p.Error,
	}
	if p.Deadline != 0 {
		exec.Deadline = time.Unix(0, p.Deadline)
	}
	return exec
}

func toRecordPayload(rec api.StateRecord) badgerRecordPayload {
	return badgerRecordPayload{
		ExecutionID: rec.ExecutionID,
		Seq:         rec.Seq,
		StateName:   rec.StateName,
		EnteredAt:   rec.EnteredAt.UnixNano(),
		Attempt:     rec.Attempt,
		RetryRule:   rec.RetryRule,
		Input:       rec.Input,
		ErrKind:     rec.ErrKind,
		ErrMessage:  rec.ErrMessage,
	}
}

func fromRecordPayload(p badgerRecordPayload) api.StateRecord {
	return api.StateRecord{
		ExecutionID: p.ExecutionID,
		Seq:         p.Seq,
		StateName:   p.StateName,
		EnteredAt:   time.Unix(0, p.EnteredAt),
		Attempt:     p.Attempt,
		RetryRule:   p.RetryRule,
		Input:       p.Input,
		ErrKind:     p.ErrKind,
		ErrMessage:  p.ErrMessage,
	}
}

func (s *BadgerExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution, first api.StateRecord, token string) (string, bool, error) {
	var existing string

	err := s.db.Update(func(txn *badger.Txn) error {
		if token != "" {
			item, err := txn.Get(keyToken(token))
			if err == nil {
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				existing = string(val)
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		execBytes, err := EncodeJSON(toExecPayload(exec))
		if err != nil {
			return err
		}
		recBytes, err := EncodeJSON(toRecordPayload(first))
		if err != nil {
			return err
		}

		if err := txn.Set(keyExec(exec.ID), execBytes); err != nil {
			return err
		}
		if err := txn.Set(keyRecord(exec.ID, first.Seq), recBytes); err != nil {
			return err
		}
		if err := txn.Set(keyLast(exec.ID), []byte(strconv.FormatInt(first.Seq, 10))); err != nil {
			return err
		}
		if token != "" {
			if err := txn.Set(keyToken(token), []byte(exec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, false, nil
	}
	return exec.ID, true, nil
}

func (s *BadgerExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var exec *api.Execution
	err := s.db.View(func(txn *badger.Txn) error {
		p, err := getExecPayload(txn, id)
		if err != nil {
			return err
		}
		exec = fromExecPayload(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *BadgerExecutionStore) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.Execution, error) {
	var result []*api.Execution
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("exec:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var p badgerExecPayload
			if err := DecodeJSON(val, &p); err != nil {
				return err
			}
			if opts.Machine != "" && p.Machine != opts.Machine {
				continue
			}
			if opts.Status != "" && p.Status != string(opts.Status) {
				continue
			}
			result = append(result, fromExecPayload(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerExecutionStore) AppendRecord(ctx context.Context, rec api.StateRecord) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := getLastSeq(txn, rec.ExecutionID)
		if err != nil {
			return err
		}
		if rec.Seq != last+1 {
			return ErrSequenceConflict
		}

		recBytes, err := EncodeJSON(toRecordPayload(rec))
		if err != nil {
			return err
		}
		if err := txn.Set(keyRecord(rec.ExecutionID, rec.Seq), recBytes); err != nil {
			return err
		}
		return txn.Set(keyLast(rec.ExecutionID), []byte(strconv.FormatInt(rec.Seq, 10)))
	})
	if errors.Is(err, badger.ErrConflict) {
		// Two workers raced on the same transition; exactly one won.
		return ErrSequenceConflict
	}
	return err
}

func (s *BadgerExecutionStore) LatestRecord(ctx context.Context, executionID string) (api.StateRecord, error) {
	var rec api.StateRecord
	err := s.db.View(func(txn *badger.Txn) error {
		last, err := getLastSeq(txn, executionID)
		if err != nil {
			return err
		}
		item, err := txn.Get(keyRecord(executionID, last))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var p badgerRecordPayload
		if err := DecodeJSON(val, &p); err != nil {
			return err
		}
		rec = fromRecordPayload(p)
		return nil
	})
	if err != nil {
		return api.StateRecord{}, err
	}
	return rec, nil
}

func (s *BadgerExecutionStore) History(ctx context.Context, executionID string) ([]api.StateRecord, error) {
	var result []api.StateRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("rec:" + executionID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var p badgerRecordPayload
			if err := DecodeJSON(val, &p); err != nil {
				return err
			}
			result = append(result, fromRecordPayload(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrExecutionNotFound
	}
	return result, nil
}

func (s *BadgerExecutionStore) SetStatus(ctx context.Context, id string, status api.Status, output api.Document, errMsg string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		p, err := getExecPayload(txn, id)
		if err != nil {
			return err
		}
		if api.Status(p.Status).Terminal() {
			return ErrStatusTerminal
		}
		p.Status = string(status)
		p.Output = output
		p.Error = errMsg

		val, err := EncodeJSON(p)
		if err != nil {
			return err
		}
		return txn.Set(keyExec(id), val)
	})
}

func getExecPayload(txn *badger.Txn, id string) (badgerExecPayload, error) {
	var p badgerExecPayload
	item, err := txn.Get(keyExec(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return p, ErrExecutionNotFound
		}
		return p, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return p, err
	}
	if err := DecodeJSON(val, &p); err != nil {
		return p, err
	}
	return p, nil
}

func getLastSeq(txn *badger.Txn, id string) (int64, error) {
	item, err := txn.Get(keyLast(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, ErrExecutionNotFound
		}
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(val), 10, 64)
}

// BadgerSeenStore is a SeenStore using badger's native entry TTLs, so
// eviction needs no sweeper.
type BadgerSeenStore struct {
	db *badger.DB
}

var _ SeenStore = (*BadgerSeenStore)(nil)

// NewBadgerSeenStore returns a SeenStore over an open badger DB.
func NewBadgerSeenStore(db *badger.DB) *BadgerSeenStore {
	return &BadgerSeenStore{db: db}
}

func (s *BadgerSeenStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first := false
	err := s.db.Update(func(txn *badger.Txn) error {
		k := []byte("seen:" + key)
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		first = true
		entry := badger.NewEntry(k, nil).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}
