// Package transport binds concrete byte streams (TCP, VSock, in-process
// duplex) for the pipeline and applies bounded connect retries. Retries
// apply only to the connect/accept phase — never to post-handshake protocol
// errors.
package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy is the exponential-backoff policy for connection attempts.
type RetryPolicy struct {
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// Jitter in [0, 1) randomizes each delay upward by up to that fraction.
	Jitter float64
	// MaxAttempts caps the number of connect attempts.
	MaxAttempts int
	// MaxTotalWait caps the cumulative backoff time.
	MaxTotalWait time.Duration
}

// DefaultRetryPolicy returns the standard policy: 100ms base, 2.0 multiplier,
// 0.1 jitter, 5 attempts, 10s total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  5,
		MaxTotalWait: 10 * time.Second,
	}
}

// Validate rejects nonsensical policies.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be non-negative, got %s", p.BaseDelay)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %f", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1), got %f", p.Jitter)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	return nil
}

// DelayFor returns the backoff before attempt+1, with jitter applied.
// Attempt numbering starts at 0.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	d += d * p.Jitter * rand.Float64()
	return time.Duration(d)
}

// DialFunc makes one connection attempt.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Retry dials with the policy's bounded exponential backoff. It gives up on
// context cancellation, after MaxAttempts attempts, or once cumulative
// backoff would exceed MaxTotalWait.
func Retry(ctx context.Context, policy RetryPolicy, dial DialFunc) (net.Conn, error) {
	var waited time.Duration
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts++
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := policy.DelayFor(attempt)
		if policy.MaxTotalWait > 0 && waited+delay > policy.MaxTotalWait {
			lastErr = fmt.Errorf("retry budget exhausted after %s: %w", waited, err)
			break
		}
		waited += delay
		logrus.Debugf("connect attempt %d failed (%v), retrying in %s", attempt+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect failed after %d attempt(s): %w", attempts, lastErr)
}
