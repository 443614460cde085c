package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/checkpoint"
	"github.com/JakeFAU/stf-case-fetcher/internal/id/uuid"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
	"github.com/JakeFAU/stf-case-fetcher/internal/router"
	"github.com/JakeFAU/stf-case-fetcher/internal/sink"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/memory"
	"github.com/JakeFAU/stf-case-fetcher/internal/tabular"
)

var at = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return at }

type noPause struct{}

func (noPause) Pause(context.Context, time.Duration) error { return nil }

func caseIDs(n int) []caseid.ID {
	out := make([]caseid.ID, n)
	for i := range out {
		out[i] = caseid.MustCompose(i+1, 2023, 1, 0, 0)
	}
	return out
}

func payload(class string) casefetch.Payload {
	return casefetch.Payload{
		Fields:      casefetch.Fields{Class: class, Decisions: []casefetch.Decision{{Kind: "Decisão", Text: "Procedente"}}},
		ContentHash: "hash-" + class,
	}
}

// fakeStructured knows a fixed set of cases.
type fakeStructured struct {
	mu     sync.Mutex
	known  map[caseid.ID]casefetch.Payload
	calls  int
	warmed [][]caseid.ID
}

func (f *fakeStructured) Lookup(_ context.Context, id caseid.ID) (casefetch.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if p, ok := f.known[id]; ok {
		return p, nil
	}
	return casefetch.Payload{}, casefetch.ErrNotFound
}

func (f *fakeStructured) Warm(_ context.Context, ids []caseid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmed = append(f.warmed, append([]caseid.ID(nil), ids...))
	return nil
}

// fakePortal fails permanently for some cases and transiently a fixed
// number of times for others.
type fakePortal struct {
	mu        sync.Mutex
	permanent map[caseid.ID]bool
	flaky     map[caseid.ID]int
	calls     map[caseid.ID]int
}

func (f *fakePortal) Fetch(_ context.Context, id caseid.ID) (casefetch.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[caseid.ID]int{}
	}
	f.calls[id]++
	if f.permanent[id] {
		return casefetch.Payload{}, &casefetch.PermanentFetchError{Err: errors.New("malformed page")}
	}
	if f.calls[id] <= f.flaky[id] {
		return casefetch.Payload{}, casefetch.StatusError(http.StatusServiceUnavailable, 0)
	}
	return payload("RE"), nil
}

func (f *fakePortal) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// recordingTable records the size of every append.
type recordingTable struct {
	*tabular.Store
	mu    sync.Mutex
	sizes []int
}

func (r *recordingTable) Append(ctx context.Context, records []casefetch.CaseRecord) (string, error) {
	r.mu.Lock()
	r.sizes = append(r.sizes, len(records))
	r.mu.Unlock()
	return r.Store.Append(ctx, records)
}

type harness struct {
	backend *memory.CheckpointStore
	blobs   *memory.BlobStore
	table   *recordingTable
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs := memory.NewBlobStore()
	store, err := tabular.New(blobs, uuid.NewUUIDGenerator(), tabular.Config{})
	require.NoError(t, err)
	return &harness{backend: memory.NewCheckpointStore(), blobs: blobs, table: &recordingTable{Store: store}}
}

func (h *harness) checkpoint(t *testing.T) *checkpoint.Store {
	t.Helper()
	cp, err := checkpoint.Open(context.Background(), h.backend, "ns", checkpoint.Options{
		Retry:  retry.New(retry.Config{MaxRetries: 1}, retry.NoJitter()),
		Pauser: noPause{},
		Clock:  fixedClock{},
	})
	require.NoError(t, err)
	return cp
}

func (h *harness) orchestrator(t *testing.T, cfg Config, batch int, r Router, w Warmer) (*Orchestrator, *checkpoint.Store) {
	t.Helper()
	cp := h.checkpoint(t)
	s, err := sink.New(h.table, sink.Options{
		BatchSize:  batch,
		Retry:      retry.New(retry.Config{MaxRetries: 1}, retry.NoJitter()),
		Pauser:     noPause{},
		AfterFlush: cp.Sync,
	})
	require.NoError(t, err)
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 100
	}
	o, err := New(cfg, Deps{
		Router:     r,
		Checkpoint: cp,
		Sink:       s,
		Warmer:     w,
		Clock:      fixedClock{},
		IDs:        uuid.NewUUIDGenerator(),
	})
	require.NoError(t, err)
	return o, cp
}

func (h *harness) records(t *testing.T) []casefetch.CaseRecord {
	t.Helper()
	recs, err := h.table.ReadAll(context.Background())
	require.NoError(t, err)
	return recs
}

func scenario(t *testing.T) ([]caseid.ID, *fakeStructured, *fakePortal, Router) {
	t.Helper()
	ids := caseIDs(10)
	structured := &fakeStructured{known: map[caseid.ID]casefetch.Payload{
		ids[0]: payload("ADI"), ids[1]: payload("ADPF"), ids[2]: payload("HC"),
	}}
	portal := &fakePortal{
		permanent: map[caseid.ID]bool{ids[3]: true, ids[4]: true},
		flaky:     map[caseid.ID]int{ids[5]: 0, ids[6]: 1, ids[7]: 2, ids[8]: 1, ids[9]: 2},
	}
	r, err := router.New(router.Config{UseStructured: true}, router.Deps{
		Structured: structured,
		Portal:     portal,
		Gate:       ratelimit.New(ratelimit.Config{}),
		Policy:     retry.New(retry.Config{MaxRetries: 2}, retry.NoJitter()),
		Pauser:     noPause{},
		Clock:      fixedClock{},
	})
	require.NoError(t, err)
	return ids, structured, portal, r
}

func TestRunMixedBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, portal, r := scenario(t)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 4}, 3, r, structured)

	stats, err := o.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stats.State)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 8, stats.Succeeded)
	assert.Equal(t, 2, stats.FailedTerminal)
	assert.Zero(t, stats.Interrupted)
	assert.Equal(t, map[casefetch.Source]int{casefetch.SourceStructured: 3, casefetch.SourceScraped: 5}, stats.BySource)
	assert.InDelta(t, 0.8, stats.SuccessRate(), 1e-9)
	assert.NotEmpty(t, stats.RunID)
	require.Len(t, structured.warmed, 1)
	assert.ElementsMatch(t, ids, structured.warmed[0])

	// Flaky cases take 1+2+3+2+3 attempts; permanent failures one each.
	assert.Equal(t, 1+2+3+2+3+1+1, portal.total())

	recs := h.records(t)
	require.Len(t, recs, 10)
	failed := 0
	for _, rec := range recs {
		if !rec.Success {
			failed++
			assert.Equal(t, casefetch.FailurePermanent, rec.ErrorKind)
			assert.Equal(t, casefetch.SourceScraped, rec.Source)
		}
	}
	assert.Equal(t, 2, failed, "failed cases appear in the output")
	for _, n := range h.table.sizes {
		assert.LessOrEqual(t, n, 3)
	}
}

func TestResumeAfterCompletionFetchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, portal, r := scenario(t)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 3}, 4, r, structured)
	_, err := o.Run(context.Background(), ids)
	require.NoError(t, err)
	first := h.records(t)
	lookups, fetches := structured.calls, portal.total()

	again, _ := h.orchestrator(t, Config{MaxWorkers: 3}, 4, r, structured)
	stats, err := again.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stats.State)
	assert.Equal(t, 10, stats.Skipped)
	assert.Zero(t, stats.Succeeded+stats.FailedTerminal)
	assert.Equal(t, lookups, structured.calls)
	assert.Equal(t, fetches, portal.total())
	assert.Len(t, structured.warmed, 1, "nothing pending, nothing to warm")
	assert.ElementsMatch(t, first, h.records(t))
}

func TestDuplicateIDsAreFetchedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, portal, r := scenario(t)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 2}, 5, r, nil)

	stats, err := o.Run(context.Background(), []caseid.ID{ids[5], ids[5], ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, portal.total())
	assert.Equal(t, 2, structured.calls)
}

func TestSinkNeverBuffersMoreThanBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, _, r := scenario(t)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 5}, 3, r, structured)

	_, err := o.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3, 1}, h.table.sizes)
}

func TestCheckpointIntervalForcesFlush(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, _, r := scenario(t)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 1, CheckpointInterval: 4}, 100, r, structured)

	_, err := o.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, h.table.sizes)
}

func TestFatalStorageErrorAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, _, r := scenario(t)
	h.blobs.FailPuts(-1)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 1}, 2, r, structured)

	stats, err := o.Run(context.Background(), ids)
	var storageErr *casefetch.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, StateAborted, stats.State)
	assert.Less(t, stats.Succeeded+stats.FailedTerminal, 10, "dispatch stops after the failure")

	// Nothing was flushed, so nothing may be durably done.
	assert.Equal(t, ids, h.checkpoint(t).LoadPending(ids))
}

func TestMarkInProgressFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids, structured, _, r := scenario(t)
	h.backend.FailWrites(-1)
	o, _ := h.orchestrator(t, Config{MaxWorkers: 2}, 2, r, structured)

	stats, err := o.Run(context.Background(), ids)
	var storageErr *casefetch.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, memory.ErrInjected)
	assert.Equal(t, StateAborted, stats.State)
	assert.Zero(t, stats.Succeeded)
}

// gatedRouter succeeds at once except for cases listed in hold, which
// wait for their release channel or the context.
type gatedRouter struct {
	hold    map[caseid.ID]chan struct{}
	started chan caseid.ID
	mu      sync.Mutex
	fetched []caseid.ID
}

func (g *gatedRouter) Fetch(ctx context.Context, id caseid.ID) (casefetch.CaseRecord, error) {
	g.mu.Lock()
	g.fetched = append(g.fetched, id)
	g.mu.Unlock()
	if release, ok := g.hold[id]; ok {
		g.started <- id
		select {
		case <-release:
		case <-ctx.Done():
			return casefetch.CaseRecord{}, fmt.Errorf("%w: %w", casefetch.ErrInterrupted, ctx.Err())
		}
	}
	return casefetch.CaseRecord{CaseID: id, Source: casefetch.SourceScraped, Success: true, ExtractedAt: at, Fields: casefetch.Fields{Class: "RE"}}, nil
}

func TestCancelInterruptsCasesPastGrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids := caseIDs(3)
	r := &gatedRouter{hold: map[caseid.ID]chan struct{}{ids[0]: make(chan struct{})}, started: make(chan caseid.ID, 1)}
	o, _ := h.orchestrator(t, Config{MaxWorkers: 3, ShutdownGrace: 20 * time.Millisecond}, 10, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		stats RunStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := o.Run(ctx, ids)
		done <- result{stats, err}
	}()

	<-r.started
	require.Eventually(t, func() bool { return o.Stats().Succeeded == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	require.ErrorIs(t, res.err, casefetch.ErrInterrupted)
	require.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, StateAborted, res.stats.State)
	assert.Equal(t, 2, res.stats.Succeeded)
	assert.Equal(t, 1, res.stats.Interrupted)

	// Completed cases were flushed and synced; the interrupted one stays
	// in progress and is retried next run.
	assert.Len(t, h.records(t), 2)
	resumed := h.checkpoint(t)
	assert.Equal(t, ids[:1], resumed.LoadPending(ids))
	entry, ok := resumed.Status(ids[0])
	require.True(t, ok)
	assert.Equal(t, casefetch.StatusInProgress, entry.Status)
}

func TestCancelLetsInFlightCaseFinishWithinGrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids := caseIDs(2)
	release := make(chan struct{})
	r := &gatedRouter{hold: map[caseid.ID]chan struct{}{ids[0]: release}, started: make(chan caseid.ID, 1)}
	o, _ := h.orchestrator(t, Config{MaxWorkers: 1, ShutdownGrace: time.Minute}, 10, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		stats RunStats
		err   error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		stats, err = o.Run(ctx, ids)
	}()

	<-r.started
	cancel()
	close(release)
	<-done

	require.ErrorIs(t, err, casefetch.ErrInterrupted)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Zero(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Remaining())
	assert.Equal(t, []caseid.ID{ids[0]}, r.fetched, "no dispatch after cancel")
	assert.Equal(t, ids[1:], h.checkpoint(t).LoadPending(ids))
}

func TestEmptyPendingCompletesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := &gatedRouter{}
	o, _ := h.orchestrator(t, Config{MaxWorkers: 1}, 1, r, nil)

	stats, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stats.State)
	assert.Empty(t, r.fetched)
	assert.Empty(t, h.table.sizes)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	var cfgErr *casefetch.ConfigurationError
	_, err := New(Config{MaxWorkers: 0, CheckpointInterval: 1}, Deps{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "max_workers", cfgErr.Field)

	_, err = New(Config{MaxWorkers: 1}, Deps{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "checkpoint_interval", cfgErr.Field)

	_, err = New(Config{MaxWorkers: 1, CheckpointInterval: 1}, Deps{})
	require.Error(t, err)
}

// killAfter serves k cases, then cancels the run as a kill would.
type killAfter struct {
	mu      sync.Mutex
	k       int
	cancel  context.CancelFunc
	fetched []caseid.ID
}

func (r *killAfter) Fetch(_ context.Context, id caseid.ID) (casefetch.CaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.k >= 0 && len(r.fetched) >= r.k {
		r.cancel()
		return casefetch.CaseRecord{}, fmt.Errorf("%w: killed", casefetch.ErrInterrupted)
	}
	r.fetched = append(r.fetched, id)
	return casefetch.CaseRecord{CaseID: id, Fields: payload("RE").Fields, Source: casefetch.SourceScraped, ExtractedAt: at, Success: true}, nil
}

// dyingSink stops flushing once it has accepted k records, so whatever was
// buffered or unsynced at that point is lost.
type dyingSink struct {
	Sink
	k        int
	accepted int
}

func (s *dyingSink) Accept(ctx context.Context, rec casefetch.CaseRecord) error {
	s.accepted++
	return s.Sink.Accept(ctx, rec)
}

func (s *dyingSink) Flush(ctx context.Context) error {
	if s.accepted >= s.k {
		return nil
	}
	return s.Sink.Flush(ctx)
}

func TestCrashRedoesAtMostCheckpointInterval(t *testing.T) {
	t.Parallel()

	const (
		n        = 10
		interval = 4
	)
	for _, k := range []int{1, 3, 4, 6, 7, 8} {
		t.Run(fmt.Sprintf("killed after %d", k), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			ids := caseIDs(n)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cp := h.checkpoint(t)
			inner, err := sink.New(h.table, sink.Options{
				BatchSize:  100,
				Retry:      retry.New(retry.Config{MaxRetries: 1}, retry.NoJitter()),
				Pauser:     noPause{},
				AfterFlush: cp.Sync,
			})
			require.NoError(t, err)
			first := &killAfter{k: k, cancel: cancel}
			o, err := New(Config{MaxWorkers: 1, CheckpointInterval: interval}, Deps{
				Router:     first,
				Checkpoint: cp,
				Sink:       &dyingSink{Sink: inner, k: k},
				Clock:      fixedClock{},
				IDs:        uuid.NewUUIDGenerator(),
			})
			require.NoError(t, err)
			_, err = o.Run(ctx, ids)
			require.ErrorIs(t, err, casefetch.ErrInterrupted)
			require.Equal(t, ids[:k], first.fetched)

			resumed := &killAfter{k: -1}
			again, _ := h.orchestrator(t, Config{MaxWorkers: 1, CheckpointInterval: interval}, 100, resumed, nil)
			stats, err := again.Run(context.Background(), ids)
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, stats.State)

			redone := 0
			for _, id := range resumed.fetched {
				for _, done := range first.fetched {
					if id == done {
						redone++
					}
				}
			}
			assert.LessOrEqual(t, redone, min(k, interval))
			assert.Len(t, resumed.fetched, n-(k-redone))
			assert.Len(t, h.records(t), n)
		})
	}
}
