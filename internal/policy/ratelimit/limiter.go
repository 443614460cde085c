// Package ratelimit gates requests per fetch route with one token bucket
// shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
)

// Config holds the minimum delay between permits for each route. Routes
// missing from Delays use DefaultDelay; a zero delay disables the gate.
type Config struct {
	DefaultDelay time.Duration
	Delays       map[casefetch.Route]time.Duration
}

// Limiter manages one gate per route.
type Limiter struct {
	mu       sync.Mutex
	limiters map[casefetch.Route]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[casefetch.Route]*rate.Limiter),
		cfg:      cfg,
	}
}

// Acquire blocks until the route's gate grants a permit or ctx ends.
// Waiters are served in reservation order and two permits are never
// closer together than the configured delay.
func (l *Limiter) Acquire(ctx context.Context, route casefetch.Route) error {
	limiter := l.gate(route)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(string(route), waited)
	}
	return nil
}

// Delay reports the configured interval for route.
func (l *Limiter) Delay(route casefetch.Route) time.Duration {
	if d, ok := l.cfg.Delays[route]; ok {
		return d
	}
	return l.cfg.DefaultDelay
}

func (l *Limiter) gate(route casefetch.Route) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[route]
	if !ok {
		limit := rate.Inf
		if d := l.Delay(route); d > 0 {
			limit = rate.Every(d)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[route] = limiter
	}
	return limiter
}
