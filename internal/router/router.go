// Package router fetches one case: the structured dataset first, then the
// portal, each path under the shared rate gate and retry policy.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
)

// IncompletePolicy says what to do with a structured hit that lacks a
// class or has neither decisions nor full text.
type IncompletePolicy string

// Incomplete payload policies.
const (
	IncompleteFallback IncompletePolicy = "fallback"
	IncompleteAccept   IncompletePolicy = "accept"
)

// Gate blocks until a request on route may start.
type Gate interface {
	Acquire(ctx context.Context, route casefetch.Route) error
}

// Config tunes routing.
type Config struct {
	// UseStructured enables the structured dataset path.
	UseStructured bool
	Incomplete    IncompletePolicy
	// Timeout bounds every single attempt.
	Timeout time.Duration
}

// Deps are the collaborators of a Router. Structured may be nil when the
// path is disabled.
type Deps struct {
	Structured casefetch.StructuredSource
	Portal     casefetch.PortalClient
	Gate       Gate
	Policy     *retry.Policy
	Pauser     retry.Pauser
	Clock      casefetch.Clock
	Logger     *zap.Logger
}

// Router implements the per-case fetch pipeline.
type Router struct {
	cfg  Config
	deps Deps
}

// New validates deps and builds a Router.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Portal == nil || deps.Gate == nil || deps.Policy == nil || deps.Clock == nil {
		return nil, errors.New("router requires portal, gate, policy and clock")
	}
	if cfg.UseStructured && deps.Structured == nil {
		return nil, errors.New("structured routing enabled without a structured source")
	}
	if cfg.Incomplete == "" {
		cfg.Incomplete = IncompleteFallback
	}
	if cfg.Incomplete != IncompleteFallback && cfg.Incomplete != IncompleteAccept {
		return nil, &casefetch.ConfigurationError{Field: "structured.incomplete_payload", Reason: fmt.Sprintf("unknown policy %q", cfg.Incomplete)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if deps.Pauser == nil {
		deps.Pauser = retry.TimerPauser{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Router{cfg: cfg, deps: deps}, nil
}

// Fetch returns the record for id. Per-case failures are reported inside
// the record; the only error is ErrInterrupted, returned when ctx ends
// before the case reaches an outcome.
func (r *Router) Fetch(ctx context.Context, id caseid.ID) (casefetch.CaseRecord, error) {
	logger := r.deps.Logger.With(zap.String("case_id", id.String()))

	if r.cfg.UseStructured {
		p, _, err := r.attempts(ctx, id, casefetch.RouteStructured, r.deps.Structured.Lookup)
		switch {
		case errors.Is(err, casefetch.ErrInterrupted):
			return casefetch.CaseRecord{}, err
		case err == nil && (r.cfg.Incomplete == IncompleteAccept || p.Fields.Complete()):
			source := casefetch.SourceStructured
			if p.Cached {
				source = casefetch.SourceCached
			}
			return r.success(id, source, p), nil
		case err == nil:
			logger.Debug("structured payload incomplete, falling back to portal", zap.String("source", string(casefetch.SourceStructured)))
		case errors.Is(err, casefetch.ErrNotFound):
			logger.Debug("case not in structured dataset", zap.String("source", string(casefetch.SourceStructured)))
		default:
			logger.Info("structured lookup failed, falling back to portal",
				zap.String("source", string(casefetch.SourceStructured)),
				zap.Error(err),
			)
		}
	}

	p, kind, err := r.attempts(ctx, id, casefetch.RoutePortal, r.deps.Portal.Fetch)
	if err == nil {
		return r.success(id, casefetch.SourceScraped, p), nil
	}
	if errors.Is(err, casefetch.ErrInterrupted) {
		return casefetch.CaseRecord{}, err
	}
	logger.Warn("case failed",
		zap.String("source", string(casefetch.SourceScraped)),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
	return casefetch.Failed(id, casefetch.SourceScraped, kind, err, r.deps.Clock.Now()), nil
}

func (r *Router) success(id caseid.ID, source casefetch.Source, p casefetch.Payload) casefetch.CaseRecord {
	return casefetch.CaseRecord{
		CaseID:      id,
		Fields:      p.Fields,
		Source:      source,
		ExtractedAt: r.deps.Clock.Now(),
		Success:     true,
		ContentHash: p.ContentHash,
	}
}

type call func(ctx context.Context, id caseid.ID) (casefetch.Payload, error)

// attempts runs call until it succeeds or the policy gives up. The
// returned kind is the final failure kind, FailureExhausted when the
// budget ran out.
func (r *Router) attempts(ctx context.Context, id caseid.ID, route casefetch.Route, fn call) (casefetch.Payload, casefetch.FailureKind, error) {
	for n := 1; ; n++ {
		if err := r.deps.Gate.Acquire(ctx, route); err != nil {
			return casefetch.Payload{}, casefetch.FailureNone, interrupted(ctx, err)
		}

		attempt := casefetch.FetchAttempt{CaseID: id, Route: route, Number: n, StartedAt: r.deps.Clock.Now()}
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		start := time.Now()
		p, err := fn(actx, id)
		attempt.Duration = time.Since(start)
		cancel()

		if err == nil {
			attempt.Outcome = casefetch.OutcomeSuccess
			attempt.HTTPStatus = p.HTTPStatus
			r.observe(attempt)
			return p, casefetch.FailureNone, nil
		}
		if ctx.Err() != nil {
			return casefetch.Payload{}, casefetch.FailureNone, interrupted(ctx, err)
		}

		kind, wait := casefetch.Classify(err)
		decision := r.deps.Policy.Next(n, kind, wait)
		attempt.ErrorKind = kind
		attempt.HTTPStatus = statusOf(err)
		attempt.Outcome = casefetch.OutcomeRetryable
		if decision.GiveUp {
			attempt.Outcome = casefetch.OutcomeTerminal
		}
		r.observe(attempt)

		if decision.GiveUp {
			if decision.Exhausted {
				kind = casefetch.FailureExhausted
			}
			return casefetch.Payload{}, kind, err
		}
		r.deps.Logger.Debug("retrying",
			zap.String("case_id", id.String()),
			zap.String("source", string(route.RecordSource())),
			zap.Int("attempt", n),
			zap.Duration("delay", decision.Delay),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		if err := r.deps.Pauser.Pause(ctx, decision.Delay); err != nil {
			return casefetch.Payload{}, casefetch.FailureNone, interrupted(ctx, err)
		}
	}
}

func (r *Router) observe(a casefetch.FetchAttempt) {
	metrics.ObserveAttempt(string(a.Route), string(a.Outcome), a.Duration)
	r.deps.Logger.Debug("fetch attempt",
		zap.String("case_id", a.CaseID.String()),
		zap.String("route", string(a.Route)),
		zap.Int("attempt", a.Number),
		zap.String("outcome", string(a.Outcome)),
		zap.Int("http_status", a.HTTPStatus),
		zap.String("error_kind", string(a.ErrorKind)),
		zap.Duration("duration", a.Duration),
	)
}

func interrupted(ctx context.Context, err error) error {
	if cause := ctx.Err(); cause != nil {
		return fmt.Errorf("%w: %w", casefetch.ErrInterrupted, cause)
	}
	return fmt.Errorf("%w: %w", casefetch.ErrInterrupted, err)
}

func statusOf(err error) int {
	var transient *casefetch.TransientFetchError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	var permanent *casefetch.PermanentFetchError
	if errors.As(err, &permanent) {
		return permanent.StatusCode
	}
	return 0
}
