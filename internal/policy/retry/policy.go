// Package retry decides whether and when a failed attempt is retried.
//
// Policy is pure: it maps (attempt, failure kind, server hint) to a
// Decision and never sleeps. Sleeping is delegated to a Pauser so callers
// and tests control time.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// Config holds the backoff parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// Decision is either a wait before the next attempt or a give-up.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
	// Exhausted is set when GiveUp was caused by the retry budget rather
	// than by a terminal failure kind.
	Exhausted bool
}

// JitterFunc returns a random duration in [0, limit].
type JitterFunc func(limit time.Duration) time.Duration

// Policy implements exponential backoff with jitter.
type Policy struct {
	cfg    Config
	jitter JitterFunc
}

// Option customizes a Policy.
type Option func(*Policy)

// WithJitter replaces the random jitter source.
func WithJitter(fn JitterFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.jitter = fn
		}
	}
}

// NoJitter disables jitter, which makes delays deterministic.
func NoJitter() Option {
	return WithJitter(func(time.Duration) time.Duration { return 0 })
}

// New builds a Policy, filling unset parameters with defaults.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	p := &Policy{cfg: cfg, jitter: cryptoJitter}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the retry budget.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Next decides what follows failed attempt number attempt (1-based).
// Terminal kinds give up without touching the budget; a rate-limited
// failure with a server hint waits exactly that long.
func (p *Policy) Next(attempt int, kind casefetch.FailureKind, retryAfter time.Duration) Decision {
	if kind.Terminal() {
		return Decision{GiveUp: true}
	}
	if attempt > p.cfg.MaxRetries {
		return Decision{GiveUp: true, Exhausted: true}
	}
	if kind == casefetch.FailureRateLimited && retryAfter > 0 {
		return Decision{Delay: retryAfter}
	}
	delay := p.Backoff(attempt)
	return Decision{Delay: delay + p.jitter(time.Duration(float64(delay)*p.cfg.JitterFraction))}
}

// Backoff returns min(initial * multiplier^(attempt-1), max) without jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialBackoff) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxBackoff) || math.IsInf(delay, 1) {
		return p.cfg.MaxBackoff
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, the budget runs out or ctx ends. Every
// error is treated as transient. It is meant for storage writes, where a
// short bounded retry precedes escalation.
func (p *Policy) Do(ctx context.Context, pauser Pauser, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		decision := p.Next(attempt, casefetch.FailureTransient, 0)
		if decision.GiveUp {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		if perr := pauser.Pause(ctx, decision.Delay); perr != nil {
			return fmt.Errorf("retry canceled: %w (last error: %v)", perr, err)
		}
	}
}

func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
