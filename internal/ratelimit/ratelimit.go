// Package ratelimit implements the per-host (or global) token-bucket
// limiter (C2). Keyed bucket state follows the same guarded-map idiom the
// teacher uses for its per-host SSH retry counters (ssh/ssh.go's
// retryCounter map[string]int), generalized here to *rate.Limiter.
package ratelimit

import (
	"context"
	"sync"

	"github.com/testpilot/testpilot/internal/model"

	"golang.org/x/time/rate"
)

// GlobalKey is used when PerHost is false.
const GlobalKey = "__global__"

// Limiter gates callers to a configured rate, keyed per host or globally.
type Limiter struct {
	cfg model.RateLimitSettings

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New returns a Limiter built from cfg.
func New(cfg model.RateLimitSettings) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

// EffectiveRPS resolves the priority chain from spec.md §4.2: step
// reqs_per_sec, then a CLI override, then config default, then none (0,
// meaning unlimited).
func EffectiveRPS(stepRPS float64, cliOverride *float64, cfg model.RateLimitSettings) float64 {
	if stepRPS > 0 {
		return stepRPS
	}
	if cliOverride != nil && *cliOverride > 0 {
		return *cliOverride
	}
	if cfg.DefaultRPS > 0 {
		return cfg.DefaultRPS
	}
	return 0
}

// Acquire blocks the caller until a token for key is available. It
// returns ctx's error if ctx ends first, and nil otherwise. If the
// limiter is disabled or the effective rate is zero, it returns nil
// immediately.
func (l *Limiter) Acquire(ctx context.Context, key string, rps float64) error {
	if !l.cfg.Enabled || rps <= 0 {
		return nil
	}
	if !l.cfg.PerHost {
		key = GlobalKey
	}
	lim := l.bucketFor(key, rps)
	return lim.Wait(ctx)
}

func (l *Limiter) bucketFor(key string, rps float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[key]
	if ok {
		return lim
	}
	burst := l.cfg.BurstSize
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	lim = rate.NewLimiter(rate.Limit(rps), burst)
	l.buckets[key] = lim
	return lim
}
