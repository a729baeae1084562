package httpclient

import (
	"context"
	"math/rand"
	"net/http"
	"time"
)

// BackoffPolicy decides whether a response is worth resending and how long to wait.
type BackoffPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     time.Duration
	RetryOn    map[int]bool
}

// DefaultBackoff retries 429 and 503 up to three times.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: 3,
		Base:       time.Second,
		Max:        60 * time.Second,
		Jitter:     500 * time.Millisecond,
		RetryOn: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusServiceUnavailable: true,
		},
	}
}

// ShouldRetry reports whether the attempt-th retry (1-based) may be sent after status.
func (p BackoffPolicy) ShouldRetry(attempt, status int) bool {
	if attempt < 1 || attempt > p.MaxRetries {
		return false
	}
	return p.RetryOn[status]
}

// Delay returns min(Base*2^attempt, Max) plus uniform jitter, rounded to milliseconds.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Max
	// large attempts saturate at Max instead of overflowing
	if attempt < 32 {
		if exp := p.Base << uint(attempt); exp >= 0 && exp>>uint(attempt) == p.Base {
			d = exp
			if p.Max > 0 && d > p.Max {
				d = p.Max
			}
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d.Round(time.Millisecond)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
