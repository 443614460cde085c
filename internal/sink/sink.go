// Package sink buffers finished case records and appends them to the
// tabular store in batches.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
)

// Options configure a Sink.
type Options struct {
	BatchSize int
	Retry     *retry.Policy
	Pauser    retry.Pauser
	Logger    *zap.Logger
	// AfterFlush runs after every successful flush, including a flush of
	// an empty buffer. The checkpoint store hooks its Sync here.
	AfterFlush func(ctx context.Context) error
}

// Sink holds at most BatchSize unflushed records.
type Sink struct {
	store      casefetch.TabularStore
	batchSize  int
	retry      *retry.Policy
	pauser     retry.Pauser
	logger     *zap.Logger
	afterFlush func(ctx context.Context) error

	mu      sync.Mutex
	buf     []casefetch.CaseRecord
	flushes int
}

// New builds a Sink writing to store.
func New(store casefetch.TabularStore, opts Options) (*Sink, error) {
	if store == nil {
		return nil, errors.New("sink requires a tabular store")
	}
	if opts.BatchSize <= 0 {
		return nil, &casefetch.ConfigurationError{Field: "batch_size", Reason: "must be > 0"}
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{MaxRetries: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second})
	}
	if opts.Pauser == nil {
		opts.Pauser = retry.TimerPauser{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sink{
		store:      store,
		batchSize:  opts.BatchSize,
		retry:      opts.Retry,
		pauser:     opts.Pauser,
		logger:     opts.Logger,
		afterFlush: opts.AfterFlush,
		buf:        make([]casefetch.CaseRecord, 0, opts.BatchSize),
	}, nil
}

// Accept buffers rec and flushes once the buffer holds BatchSize records.
// If an earlier flush failed and left the buffer full, Accept flushes
// first and refuses rec when that fails again.
func (s *Sink) Accept(ctx context.Context, rec casefetch.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.batchSize {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, rec)
	if len(s.buf) >= s.batchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush writes whatever is buffered.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Buffered reports how many records await a flush.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flushes reports how many non-empty flushes succeeded.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if n := len(s.buf); n > 0 {
		start := time.Now()
		var uri string
		err := s.retry.Do(ctx, s.pauser, func(ctx context.Context) error {
			var err error
			uri, err = s.store.Append(ctx, s.buf)
			if err != nil {
				s.logger.Warn("flush attempt failed", zap.Int("records", n), zap.Error(err))
			}
			return err
		})
		metrics.ObserveFlush(err, n, time.Since(start))
		if err != nil {
			return &casefetch.StorageError{Op: "flush results", Err: err}
		}
		s.logger.Info("flushed records",
			zap.Int("records", n),
			zap.String("uri", uri),
			zap.Duration("duration", time.Since(start)),
		)
		// Records are released once durable.
		clear(s.buf)
		s.buf = s.buf[:0]
		s.flushes++
	}
	if s.afterFlush != nil {
		if err := s.afterFlush(ctx); err != nil {
			return fmt.Errorf("after flush: %w", err)
		}
	}
	return nil
}
