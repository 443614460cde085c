// Package orchestrator runs a batch of cases through the router with a
// bounded worker pool and settles every outcome through one consumer.
//
// Workers only fetch. Finalizing checkpoint entries, buffering records in
// the sink and counting stats all happen on the consumer, which receives
// outcomes over a channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
)

// Router fetches one case. It returns an error only when the case was
// interrupted before reaching an outcome.
type Router interface {
	Fetch(ctx context.Context, id caseid.ID) (casefetch.CaseRecord, error)
}

// Checkpoint is the subset of the checkpoint store the run drives.
type Checkpoint interface {
	LoadPending(ids []caseid.ID) []caseid.ID
	MarkInProgress(ctx context.Context, id caseid.ID) error
	Finalize(id caseid.ID, status casefetch.CheckpointStatus, at time.Time) error
	Pending() int
}

// Sink buffers finished records.
type Sink interface {
	Accept(ctx context.Context, rec casefetch.CaseRecord) error
	Flush(ctx context.Context) error
}

// Warmer prefetches data for the cases about to be dispatched.
type Warmer interface {
	Warm(ctx context.Context, ids []caseid.ID) error
}

// Config tunes a run.
type Config struct {
	MaxWorkers         int
	CheckpointInterval int
	// ShutdownGrace is how long in-flight cases may keep running after
	// the run is canceled.
	ShutdownGrace    time.Duration
	ProgressInterval time.Duration
}

// Deps are the collaborators of an Orchestrator. Warmer is optional.
type Deps struct {
	Router     Router
	Checkpoint Checkpoint
	Sink       Sink
	Warmer     Warmer
	Clock      casefetch.Clock
	IDs        casefetch.IDGenerator
	Logger     *zap.Logger
}

// Orchestrator executes runs. Stats may be read while Run is in progress.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	stats statsBook
}

type outcome struct {
	id  caseid.ID
	rec casefetch.CaseRecord
	err error
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.MaxWorkers < 1 {
		return nil, &casefetch.ConfigurationError{Field: "max_workers", Reason: "must be >= 1"}
	}
	if cfg.CheckpointInterval <= 0 {
		return nil, &casefetch.ConfigurationError{Field: "checkpoint_interval", Reason: "must be > 0"}
	}
	if deps.Router == nil || deps.Checkpoint == nil || deps.Sink == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("orchestrator requires router, checkpoint, sink, clock and id generator")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	o := &Orchestrator{cfg: cfg, deps: deps}
	o.stats.s.BySource = map[casefetch.Source]int{}
	return o, nil
}

// Stats returns a snapshot of the current or last run.
func (o *Orchestrator) Stats() RunStats {
	return o.stats.snapshot(o.deps.Clock.Now())
}

// Run fetches every case in ids that the checkpoint does not already mark
// done. Per-case failures are recorded, never returned. The error is a
// StorageError when results could not be persisted, or wraps
// casefetch.ErrInterrupted when ctx was canceled before all cases settled.
// The returned stats are valid in every case.
func (o *Orchestrator) Run(ctx context.Context, ids []caseid.ID) (RunStats, error) {
	ids = dedup(ids)
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return RunStats{}, fmt.Errorf("generate run id: %w", err)
	}
	o.stats.update(func(s *RunStats) {
		*s = RunStats{
			RunID:     runID,
			Total:     len(ids),
			BySource:  map[casefetch.Source]int{},
			StartedAt: o.deps.Clock.Now(),
			State:     StateStarting,
		}
	})
	logger := o.deps.Logger.With(zap.String("run_id", runID))

	pending := o.deps.Checkpoint.LoadPending(ids)
	o.stats.update(func(s *RunStats) { s.Skipped = len(ids) - len(pending) })
	logger.Info("run starting",
		zap.Int("total", len(ids)),
		zap.Int("pending", len(pending)),
		zap.Int("skipped", len(ids)-len(pending)),
		zap.Int("workers", o.cfg.MaxWorkers),
	)
	if len(pending) == 0 {
		return o.finish(logger, StateCompleted), nil
	}

	if o.deps.Warmer != nil {
		if err := o.deps.Warmer.Warm(ctx, pending); err != nil {
			logger.Warn("structured prefetch incomplete, uncovered cases will be queried individually", zap.Error(err))
		}
	}

	o.stats.update(func(s *RunStats) { s.State = StateRunning })
	stopProgress := o.reportProgress(logger)
	defer stopProgress()

	// In-flight work survives a cancel of ctx for ShutdownGrace; abort
	// cancels it at once on a fatal error.
	workCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)
	stopGrace := context.AfterFunc(ctx, func() {
		time.AfterFunc(o.cfg.ShutdownGrace, func() { abort(context.Cause(ctx)) })
	})
	defer stopGrace()

	// Storage writes outlive cancellation so settled work is never lost.
	storeCtx := context.WithoutCancel(ctx)

	results := make(chan outcome, o.cfg.MaxWorkers)
	var dispatchErr error
	go func() {
		defer close(results)
		g, gctx := errgroup.WithContext(workCtx)
		g.SetLimit(o.cfg.MaxWorkers)
		for _, id := range pending {
			if ctx.Err() != nil || gctx.Err() != nil {
				break
			}
			g.Go(func() error { return o.work(ctx, gctx, id, results) })
		}
		dispatchErr = g.Wait()
	}()

	var fatal error
	for res := range results {
		if fatal != nil {
			continue
		}
		if res.err != nil {
			o.stats.update(func(s *RunStats) { s.Interrupted++ })
			logger.Info("case interrupted, left in progress", zap.String("case_id", res.id.String()), zap.Error(res.err))
			continue
		}
		if err := o.settle(storeCtx, logger, res.rec); err != nil {
			fatal = err
			abort(err)
			logger.Error("aborting run", zap.Error(err))
		}
	}
	if fatal == nil && dispatchErr != nil {
		fatal = dispatchErr
	}

	if err := o.deps.Sink.Flush(storeCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
		if fatal == nil {
			fatal = err
		}
	}

	if fatal != nil {
		return o.finish(logger, StateAborted), fatal
	}
	if ctx.Err() != nil {
		if snap := o.Stats(); snap.Remaining() > 0 || snap.Interrupted > 0 {
			stats := o.finish(logger, StateAborted)
			return stats, fmt.Errorf("%w: %w", casefetch.ErrInterrupted, context.Cause(ctx))
		}
	}
	return o.finish(logger, StateCompleted), nil
}

// work runs one case on a worker. It reports storage failures of the
// in-progress mark; everything else reaches the consumer.
func (o *Orchestrator) work(runCtx, ctx context.Context, id caseid.ID, out chan<- outcome) error {
	if runCtx.Err() != nil {
		return nil
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := o.deps.Checkpoint.MarkInProgress(ctx, id); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	rec, err := o.deps.Router.Fetch(ctx, id)
	out <- outcome{id: id, rec: rec, err: err}
	return nil
}

// settle finalizes the checkpoint entry and hands the record to the sink.
// Finalize goes first; the entry only becomes durable once the sink has
// flushed the record and synced the checkpoint.
func (o *Orchestrator) settle(ctx context.Context, logger *zap.Logger, rec casefetch.CaseRecord) error {
	status := casefetch.StatusFor(rec)
	if err := o.deps.Checkpoint.Finalize(rec.CaseID, status, rec.ExtractedAt); err != nil {
		if errors.Is(err, casefetch.ErrFinalizeConflict) {
			logger.Error("discarding conflicting outcome", zap.String("case_id", rec.CaseID.String()), zap.Error(err))
			return nil
		}
		return err
	}
	o.stats.record(rec)
	metrics.ObserveCase(string(status), string(rec.Source))

	if err := o.deps.Sink.Accept(ctx, rec); err != nil {
		return err
	}
	if o.deps.Checkpoint.Pending() >= o.cfg.CheckpointInterval {
		return o.deps.Sink.Flush(ctx)
	}
	return nil
}

func (o *Orchestrator) finish(logger *zap.Logger, state State) RunStats {
	o.stats.update(func(s *RunStats) {
		s.State = state
		s.FinishedAt = o.deps.Clock.Now()
	})
	stats := o.Stats()
	logger.Info("run finished",
		zap.String("state", string(stats.State)),
		zap.Int("total", stats.Total),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed_terminal", stats.FailedTerminal),
		zap.Int("interrupted", stats.Interrupted),
		zap.Int("skipped", stats.Skipped),
		zap.Any("by_source", stats.BySource),
		zap.Float64("success_rate", stats.SuccessRate()),
		zap.Duration("elapsed", stats.FinishedAt.Sub(stats.StartedAt)),
	)
	return stats
}

func dedup(ids []caseid.ID) []caseid.ID {
	seen := make(map[caseid.ID]struct{}, len(ids))
	out := make([]caseid.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
