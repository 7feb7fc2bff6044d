// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable classifies an error. Nil means DefaultClassifier.
	Retryable func(error) bool
	// OnRetry is called before each sleep with the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is 3 attempts starting at 1s, doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	classify := p.Retryable
	if classify == nil {
		classify = DefaultClassifier
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || !classify(err) {
			return zero, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

var transientMarkers = []string{
	"econnrefused",
	"etimedout",
	"enotfound",
	"connection refused",
	"connection reset",
	"network",
	"timeout",
	"temporary",
}

// DefaultClassifier retries typed errors marked retryable and untyped errors
// that look like transient network failures. Context cancellation is final.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
