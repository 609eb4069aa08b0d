// Package resilience implements the call wrappers every upstream request
// passes through: token bucket rate limiting, per-upstream circuit breaking
// and retry with backoff.
package resilience

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/metrics"
)

// Upstream names shared by configuration, rate limits and breakers.
const (
	UpstreamMail     = "mail"
	UpstreamClassify = "classify"
	UpstreamGenerate = "generate"
)

// Stack composes Retry(Breaker(RateLimiter(call))) for a named upstream.
type Stack struct {
	limiter  *RateLimiter
	breakers *Breakers
	retry    RetryPolicy
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// NewStack wires the shared limiter and breaker registry. m may be nil.
func NewStack(limiter *RateLimiter, breakers *Breakers, retry RetryPolicy, m *metrics.Metrics, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stack{
		limiter:  limiter,
		breakers: breakers,
		retry:    retry,
		metrics:  m,
		log:      log.WithField("component", "resilience"),
	}
	breakers.OnStateChange(s.breakerChanged)
	return s
}

func (s *Stack) breakerChanged(name string, from, to State) {
	s.log.WithFields(logrus.Fields{
		"upstream": name,
		"from":     from.String(),
		"to":       to.String(),
	}).Warn("Circuit breaker state changed")
	if s.metrics != nil {
		s.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Breakers exposes the shared registry for status reporting.
func (s *Stack) Breakers() *Breakers {
	return s.breakers
}

// Do runs op against upstream under the full policy. The returned error is
// the single classified failure of the whole logical call.
func (s *Stack) Do(ctx context.Context, upstream string, op func(ctx context.Context) error) error {
	breaker := s.breakers.Get(upstream)

	return s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		gen, err := breaker.Allow()
		if err != nil {
			s.observe(upstream, err, 0)
			return err
		}

		waitStart := time.Now()
		if err := s.limiter.Acquire(ctx, upstream); err != nil {
			breaker.Record(gen, err)
			s.observe(upstream, err, 0)
			return err
		}
		if s.metrics != nil {
			s.metrics.RateLimitWait.WithLabelValues(upstream).Observe(time.Since(waitStart).Seconds())
		}

		start := time.Now()
		err = op(ctx)
		breaker.Record(gen, err)
		s.observe(upstream, err, time.Since(start))

		if err != nil && attempt+1 < s.retry.MaxAttempts && apperr.IsRetryable(err) {
			s.log.WithFields(logrus.Fields{
				"upstream": upstream,
				"attempt":  attempt + 1,
				"error":    err.Error(),
			}).Debug("Upstream call failed, retrying")
		}
		return err
	})
}

func (s *Stack) observe(upstream string, err error, latency time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.UpstreamCalls.WithLabelValues(upstream, apperr.KindOf(err)).Inc()
	if latency > 0 {
		s.metrics.UpstreamLatency.WithLabelValues(upstream).Observe(latency.Seconds())
	}
}

// Fetch is Do for idempotent reads: the response cache sits innermost, so
// a hit still passes the breaker and takes a rate limit token but never
// reaches the upstream. Concurrent misses for one key share a single call.
func Fetch[T any](ctx context.Context, s *Stack, c *cache.Cache, upstream, key string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, upstream, func(ctx context.Context) error {
		v, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
			return op(ctx)
		})
		if err != nil {
			return err
		}
		out = v.(T)
		return nil
	})
	return out, err
}
