package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy is a static retry policy: attempt count, delay function and
// retry predicate. Sleep and Rand are injectable so the policy can be
// exercised without real waiting.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first request.
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration

	// Factor is the geometric growth of the delay per failed attempt.
	Factor float64

	// MaxDelay caps a single delay before jitter.
	MaxDelay time.Duration

	// Jitter is the relative spread applied to each delay (0.2 = ±20%).
	Jitter float64

	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		Factor:      2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// withDefaults fills unset fields.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait after failed attempt k (0-based):
// BaseDelay * Factor^k, capped at MaxDelay, then spread by ±Jitter.
func (p Policy) Delay(k int) time.Duration {
	p = p.withDefaults()

	backoff := float64(p.BaseDelay) * math.Pow(p.Factor, float64(k))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		backoff *= 1 - p.Jitter + 2*p.Jitter*p.Rand()
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. fn receives the 0-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				log.Debug().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !shouldRetry(err) {
			return err
		}

		// If this was the last attempt, don't wait
		if attempt == p.MaxAttempts-1 {
			break
		}

		class := errorClassOf(err)
		delay := p.Delay(attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		log.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := p.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	class := errorClassOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}

// sleepContext waits for d with context cancellation support.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
