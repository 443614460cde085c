package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
)

type noPause struct{}

func (noPause) Pause(context.Context, time.Duration) error { return nil }

type fakeStore struct {
	mu      sync.Mutex
	batches [][]casefetch.CaseRecord
	fail    int
}

func (f *fakeStore) Append(_ context.Context, records []casefetch.CaseRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != 0 {
		if f.fail > 0 {
			f.fail--
		}
		return "", errors.New("bucket unavailable")
	}
	f.batches = append(f.batches, append([]casefetch.CaseRecord(nil), records...))
	return "memory://part", nil
}

func (f *fakeStore) ReadAll(context.Context) ([]casefetch.CaseRecord, error) { return nil, nil }
func (f *fakeStore) URI() string                                              { return "memory://" }

func (f *fakeStore) setFail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = n
}

func record(i int) casefetch.CaseRecord {
	return casefetch.CaseRecord{CaseID: caseid.MustCompose(i, 2023, 1, 0, 0), Success: true}
}

func newSink(t *testing.T, store casefetch.TabularStore, batch int, hook func(context.Context) error) *Sink {
	t.Helper()
	s, err := New(store, Options{
		BatchSize:  batch,
		Retry:      retry.New(retry.Config{MaxRetries: 2}, retry.NoJitter()),
		Pauser:     noPause{},
		AfterFlush: hook,
	})
	require.NoError(t, err)
	return s
}

func TestAcceptFlushesAtBatchSize(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	hooks := 0
	s := newSink(t, store, 3, func(context.Context) error { hooks++; return nil })
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		require.NoError(t, s.Accept(ctx, record(i)))
		assert.LessOrEqual(t, s.Buffered(), 3)
	}
	assert.Len(t, store.batches, 2)
	assert.Equal(t, 1, s.Buffered())
	assert.Equal(t, 2, hooks)

	require.NoError(t, s.Flush(ctx))
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[2], 1)
	assert.Zero(t, s.Buffered())
	assert.Equal(t, 3, s.Flushes())

	require.NoError(t, s.Flush(ctx))
	assert.Len(t, store.batches, 3, "empty flush writes nothing")
	assert.Equal(t, 4, hooks, "empty flush still runs the hook")
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{fail: 2}
	s := newSink(t, store, 2, nil)
	ctx := context.Background()
	require.NoError(t, s.Accept(ctx, record(1)))
	require.NoError(t, s.Accept(ctx, record(2)))
	assert.Len(t, store.batches, 1)
}

func TestPersistentFailureIsStorageError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	hooked := false
	s := newSink(t, store, 2, func(context.Context) error { hooked = true; return nil })
	ctx := context.Background()
	store.setFail(-1)

	require.NoError(t, s.Accept(ctx, record(1)))
	err := s.Accept(ctx, record(2))
	var storageErr *casefetch.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.False(t, hooked, "hook must not run after a failed flush")
	assert.Equal(t, 2, s.Buffered(), "records stay buffered for a later attempt")

	err = s.Accept(ctx, record(3))
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, 2, s.Buffered(), "buffer never grows past the batch size")

	store.setFail(0)
	require.NoError(t, s.Flush(ctx))
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 2)
	assert.True(t, hooked)
}

func TestHookErrorIsReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("checkpoint write failed")
	s := newSink(t, &fakeStore{}, 1, func(context.Context) error { return boom })
	err := s.Accept(context.Background(), record(1))
	require.ErrorIs(t, err, boom)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{BatchSize: 1})
	require.Error(t, err)
	_, err = New(&fakeStore{}, Options{BatchSize: 0})
	var cfgErr *casefetch.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
