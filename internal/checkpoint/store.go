// Package checkpoint tracks per-case completion so an interrupted run can
// resume where it stopped.
//
// Finalized entries are buffered in memory and made durable by Sync, which
// the result sink calls after every successful flush. MarkInProgress is
// written through immediately. A DONE entry therefore never reaches the
// backend before the record it describes.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
)

// Backend persists checkpoint entries as a keyed table, one row per
// (namespace, case).
type Backend interface {
	Load(ctx context.Context, namespace string) (map[caseid.ID]casefetch.CheckpointEntry, error)
	Upsert(ctx context.Context, namespace string, entries []casefetch.CheckpointEntry) error
	Delete(ctx context.Context, namespace string, ids []caseid.ID) error
	Close() error
}

// Options tune a Store.
type Options struct {
	Retry  *retry.Policy
	Pauser retry.Pauser
	Clock  casefetch.Clock
	Logger *zap.Logger
}

// Store is the checkpoint state of one namespace.
type Store struct {
	backend   Backend
	namespace string
	retry     *retry.Policy
	pauser    retry.Pauser
	clock     casefetch.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[caseid.ID]casefetch.CheckpointEntry
	dirty   map[caseid.ID]casefetch.CheckpointEntry

	// writeMu serializes backend writes so a Sync cannot interleave with a
	// MarkInProgress for the same row.
	writeMu sync.Mutex
}

// Open loads the namespace from backend.
func Open(ctx context.Context, backend Backend, namespace string, opts Options) (*Store, error) {
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second})
	}
	if opts.Pauser == nil {
		opts.Pauser = retry.TimerPauser{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = utcClock{}
	}
	s := &Store{
		backend:   backend,
		namespace: namespace,
		retry:     opts.Retry,
		pauser:    opts.Pauser,
		clock:     opts.Clock,
		logger:    opts.Logger,
		dirty:     make(map[caseid.ID]casefetch.CheckpointEntry),
	}
	err := s.retry.Do(ctx, s.pauser, func(ctx context.Context) error {
		entries, err := backend.Load(ctx, namespace)
		if err != nil {
			return err
		}
		s.entries = entries
		return nil
	})
	if err != nil {
		return nil, &casefetch.StorageError{Op: "checkpoint load", Err: err}
	}
	if s.entries == nil {
		s.entries = make(map[caseid.ID]casefetch.CheckpointEntry)
	}
	return s, nil
}

// Namespace returns the namespace the store was opened with.
func (s *Store) Namespace() string {
	return s.namespace
}

// LoadPending returns ids minus those with a DONE entry, in input order.
// IN_PROGRESS entries left by a crashed run count as pending.
func (s *Store) LoadPending(ids []caseid.ID) []caseid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]caseid.ID, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.Status.Done() {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Reset forgets ids so they are fetched again.
func (s *Store) Reset(ctx context.Context, ids []caseid.ID) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.retry.Do(ctx, s.pauser, func(ctx context.Context) error {
		return s.backend.Delete(ctx, s.namespace, ids)
	})
	if err != nil {
		return &casefetch.StorageError{Op: "checkpoint reset", Err: err}
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.entries, id)
		delete(s.dirty, id)
	}
	s.mu.Unlock()
	s.logger.Info("checkpoint entries reset", zap.Int("cases", len(ids)))
	return nil
}

// MarkInProgress durably records that id was dispatched.
func (s *Store) MarkInProgress(ctx context.Context, id caseid.ID) error {
	entry := casefetch.CheckpointEntry{CaseID: id, Status: casefetch.StatusInProgress, LastAttemptAt: s.clock.Now()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.retry.Do(ctx, s.pauser, func(ctx context.Context) error {
		return s.backend.Upsert(ctx, s.namespace, []casefetch.CheckpointEntry{entry})
	})
	if err != nil {
		return &casefetch.StorageError{Op: "checkpoint mark", Err: err}
	}
	s.mu.Lock()
	if cur, ok := s.entries[id]; !ok || !cur.Status.Done() {
		s.entries[id] = entry
	}
	s.mu.Unlock()
	return nil
}

// Finalize records the terminal status of id. Finalizing again with the
// same status is a no-op; a different status is ErrFinalizeConflict.
// The entry becomes durable on the next Sync.
func (s *Store) Finalize(id caseid.ID, status casefetch.CheckpointStatus, at time.Time) error {
	if !status.Done() {
		return fmt.Errorf("finalize %s with non-terminal status %s", id, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; ok && cur.Status.Done() {
		if cur.Status == status {
			return nil
		}
		return fmt.Errorf("case %s already %s, refusing %s: %w", id, cur.Status, status, casefetch.ErrFinalizeConflict)
	}
	entry := casefetch.CheckpointEntry{CaseID: id, Status: status, LastAttemptAt: at}
	s.entries[id] = entry
	s.dirty[id] = entry
	metrics.SetCheckpointPending(len(s.dirty))
	return nil
}

// Pending reports finalized entries not yet synced.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// Status returns the current entry for id.
func (s *Store) Status(id caseid.ID) (casefetch.CheckpointEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Sync writes every pending finalized entry to the backend.
func (s *Store) Sync(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	batch := make([]casefetch.CheckpointEntry, 0, len(s.dirty))
	for _, e := range s.dirty {
		batch = append(batch, e)
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := s.retry.Do(ctx, s.pauser, func(ctx context.Context) error {
		return s.backend.Upsert(ctx, s.namespace, batch)
	})
	if err != nil {
		return &casefetch.StorageError{Op: "checkpoint sync", Err: err}
	}

	s.mu.Lock()
	for _, e := range batch {
		if cur, ok := s.dirty[e.CaseID]; ok && cur == e {
			delete(s.dirty, e.CaseID)
		}
	}
	left := len(s.dirty)
	s.mu.Unlock()
	metrics.SetCheckpointPending(left)
	s.logger.Debug("checkpoint synced", zap.Int("entries", len(batch)), zap.String("namespace", s.namespace))
	return nil
}

// Close releases the backend. Unsynced entries are discarded.
func (s *Store) Close() error {
	return s.backend.Close()
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
