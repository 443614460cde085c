package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// ErrInjected is returned by CheckpointStore when a failure was scheduled
// with FailWrites.
var ErrInjected = errors.New("injected checkpoint failure")

// CheckpointStore keeps checkpoint rows in memory. It is used by the
// testing preset and by tests that need to observe what reached "disk".
type CheckpointStore struct {
	mu         sync.RWMutex
	rows       map[string]map[caseid.ID]casefetch.CheckpointEntry
	failWrites int
	upserts    int
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{rows: make(map[string]map[caseid.ID]casefetch.CheckpointEntry)}
}

// Load returns a copy of the namespace.
func (s *CheckpointStore) Load(_ context.Context, namespace string) (map[caseid.ID]casefetch.CheckpointEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[caseid.ID]casefetch.CheckpointEntry, len(s.rows[namespace]))
	for id, e := range s.rows[namespace] {
		out[id] = e
	}
	return out, nil
}

// Upsert inserts or replaces entries.
func (s *CheckpointStore) Upsert(_ context.Context, namespace string, entries []casefetch.CheckpointEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != 0 {
		if s.failWrites > 0 {
			s.failWrites--
		}
		return ErrInjected
	}
	ns, ok := s.rows[namespace]
	if !ok {
		ns = make(map[caseid.ID]casefetch.CheckpointEntry)
		s.rows[namespace] = ns
	}
	for _, e := range entries {
		ns[e.CaseID] = e
	}
	s.upserts++
	return nil
}

// Delete removes ids from the namespace.
func (s *CheckpointStore) Delete(_ context.Context, namespace string, ids []caseid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows[namespace], id)
	}
	return nil
}

// Close is a no-op.
func (s *CheckpointStore) Close() error { return nil }

// FailWrites makes the next n writes fail. A negative n fails every write
// until FailWrites(0) is called.
func (s *CheckpointStore) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// Upserts reports how many writes succeeded.
func (s *CheckpointStore) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}
