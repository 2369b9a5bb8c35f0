package common

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Request costs in tokens.
const (
	CostRead  = 1
	CostOrder = 2
)

// RateLimiterConfig sizes every per-venue bucket.
type RateLimiterConfig struct {
	Capacity       int           // bucket size, default 10
	RefillPerSec   float64       // tokens per second, default 10
	DefaultBackoff time.Duration // used when the venue gives no Retry-After, default 60s
}

// DefaultRateLimiterConfig returns the production defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{Capacity: 10, RefillPerSec: 10, DefaultBackoff: 60 * time.Second}
}

type venueBucket struct {
	lim          *rate.Limiter
	backoffUntil time.Time
	throttled    int64
}

// VenueLimitState is a point-in-time view of one venue bucket.
type VenueLimitState struct {
	Tokens       float64   `json:"tokens"`
	BackoffUntil time.Time `json:"backoff_until"`
	Throttled    int64     `json:"throttled"`
}

// RateLimiter is the process-wide token bucket shared by every account,
// keyed by venue. Waiting never happens while the lock is held.
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.Mutex
	buckets map[string]*venueBucket

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter; zero fields in cfg take the defaults.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = def.RefillPerSec
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = def.DefaultBackoff
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*venueBucket),
		now:     time.Now,
		sleep:   SleepContext,
	}
}

// SetClock replaces the time source and sleeper. Tests only.
func (rl *RateLimiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
	rl.sleep = sleep
}

// bucket must be called with rl.mu held.
func (rl *RateLimiter) bucket(venue string) *venueBucket {
	b, ok := rl.buckets[venue]
	if !ok {
		b = &venueBucket{lim: rate.NewLimiter(rate.Limit(rl.cfg.RefillPerSec), rl.cfg.Capacity)}
		rl.buckets[venue] = b
	}
	return b
}

// Acquire blocks until cost tokens are available for venue and no backoff is active.
func (rl *RateLimiter) Acquire(ctx context.Context, venue string, cost int) error {
	if cost <= 0 {
		cost = CostRead
	}
	if cost > rl.cfg.Capacity {
		return fmt.Errorf("rate limiter: cost %d exceeds capacity %d", cost, rl.cfg.Capacity)
	}

	for {
		rl.mu.Lock()
		b := rl.bucket(venue)
		now := rl.now()
		var wait time.Duration
		switch {
		case now.Before(b.backoffUntil):
			wait = b.backoffUntil.Sub(now)
		case b.lim.AllowN(now, cost):
			rl.mu.Unlock()
			return nil
		default:
			deficit := float64(cost) - b.lim.TokensAt(now)
			wait = time.Duration(deficit / rl.cfg.RefillPerSec * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		sleep := rl.sleep
		rl.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// OnRateLimited records a venue throttle signal: the bucket is drained and
// no Acquire for venue returns before now+retryAfter.
func (rl *RateLimiter) OnRateLimited(venue string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = rl.cfg.DefaultBackoff
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.bucket(venue)
	now := rl.now()
	until := now.Add(retryAfter)
	if until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
	lim := rate.NewLimiter(rate.Limit(rl.cfg.RefillPerSec), rl.cfg.Capacity)
	lim.AllowN(now, rl.cfg.Capacity)
	b.lim = lim
	b.throttled++

	log.Printf("ratelimit: %s throttled, backing off %s (until %s)", venue, retryAfter, b.backoffUntil.Format(time.RFC3339))
}

// Tokens returns the tokens currently available for venue.
func (rl *RateLimiter) Tokens(venue string) float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bucket(venue).lim.TokensAt(rl.now())
}

// Snapshot returns the state of every venue seen so far.
func (rl *RateLimiter) Snapshot() map[string]VenueLimitState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	out := make(map[string]VenueLimitState, len(rl.buckets))
	for venue, b := range rl.buckets {
		out[venue] = VenueLimitState{
			Tokens:       b.lim.TokensAt(now),
			BackoffUntil: b.backoffUntil,
			Throttled:    b.throttled,
		}
	}
	return out
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
