// Package ratelimit caps the outbound request rate with a static token bucket.
// The limit is fixed for the whole run; nothing is learned from responses.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Prometheus metrics for client-side throttling.
var (
	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkfetch_rate_limit_throttles_total",
		Help: "Total number of requests delayed by the client-side rate limit",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkfetch_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Limiter gates requests to a fixed rate. A nil *Limiter allows everything.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing rps requests per second with the given burst.
// It returns nil when rps <= 0, which disables limiting.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if waited := time.Since(start); waited > time.Millisecond {
		throttlesTotal.Inc()
		throttleWaitSeconds.Observe(waited.Seconds())
	}
	return nil
}

// Limit returns the configured rate in requests per second, or 0 when disabled.
func (l *Limiter) Limit() float64 {
	if l == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}
