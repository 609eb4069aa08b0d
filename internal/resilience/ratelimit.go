package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"inbox-triage/internal/apperr"
)

// Limit configures one upstream's token bucket.
type Limit struct {
	Capacity        int
	RefillPerSecond float64
}

// RateLimiter keeps one token bucket per upstream name. Buckets are created
// up front from configuration and shared by every account.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds buckets for the configured upstreams.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*rate.Limiter, len(limits))}
	for name, l := range limits {
		rl.buckets[name] = rate.NewLimiter(rate.Limit(l.RefillPerSecond), l.Capacity)
	}
	return rl
}

func (rl *RateLimiter) bucket(upstream string) (*rate.Limiter, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, ok := rl.buckets[upstream]
	if !ok {
		return nil, apperr.Permanent(upstream, fmt.Errorf("no rate limit configured for upstream %q", upstream))
	}
	return b, nil
}

// Acquire blocks until a token for upstream is available. If ctx carries a
// deadline the token cannot be obtained by, it fails with ErrRateLimited
// instead of waiting.
func (rl *RateLimiter) Acquire(ctx context.Context, upstream string) error {
	b, err := rl.bucket(upstream)
	if err != nil {
		return err
	}
	if err := b.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return apperr.RateLimited(upstream, err)
	}
	return nil
}

// TryAcquire takes a token without waiting.
func (rl *RateLimiter) TryAcquire(upstream string) error {
	b, err := rl.bucket(upstream)
	if err != nil {
		return err
	}
	if !b.Allow() {
		return apperr.RateLimited(upstream, nil)
	}
	return nil
}

// SetLimit replaces the bucket parameters for upstream, creating it if needed.
func (rl *RateLimiter) SetLimit(upstream string, l Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[upstream]; ok {
		b.SetLimit(rate.Limit(l.RefillPerSecond))
		b.SetBurst(l.Capacity)
		return
	}
	rl.buckets[upstream] = rate.NewLimiter(rate.Limit(l.RefillPerSecond), l.Capacity)
}
