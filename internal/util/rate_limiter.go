package util

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/logger"
)

var (
	// ErrRateLimited is returned when the rate limit is exceeded
	ErrRateLimited = errors.New("rate limited")
	// ErrRetryAfter is returned when the server asked us to back off
	ErrRetryAfter = errors.New("retry after")

	// DefaultRate is the default minimum time between requests
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 5
)

// timeNow is stubbed in tests
var timeNow = time.Now

// Metrics counts rate limiter activity since creation
type Metrics struct {
	Requests    uint64
	Throttled   uint64
	RateLimited uint64
}

// RateLimiter implements a token bucket with dynamic rate adjustment.
// When the remote service reports a rate limit the delay between
// requests grows until ResetRate is called or traffic calms down.
type RateLimiter struct {
	mu            sync.RWMutex
	last          time.Time
	rate          time.Duration
	minRate       time.Duration
	maxRate       time.Duration
	tokens        int
	maxTokens     int
	backoffUntil  time.Time
	backoffFactor float64
	jitterFactor  float64
	lastRateDrop  time.Time
	metrics       Metrics
	logger        *logger.Logger
}

// NewRateLimiter creates a RateLimiter that allows one request per rate
// with the given burst allowance. A nil log falls back to the global logger.
func NewRateLimiter(rate time.Duration, burst int, log *logger.Logger) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if log == nil {
		log = logger.Get()
	}

	return &RateLimiter{
		last:          timeNow(),
		rate:          rate,
		minRate:       rate,
		maxRate:       5 * time.Second,
		tokens:        burst,
		maxTokens:     burst,
		backoffFactor: 2.0,
		jitterFactor:  0.2,
		logger:        log,
	}
}

// Wait blocks until a request may proceed or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.metrics.Requests++

	now := timeNow()

	// Honor a server-imposed backoff window first
	if wait := r.remainingBackoff(now); wait > 0 {
		r.metrics.Throttled++
		r.mu.Unlock()
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		r.mu.Lock()
		now = timeNow()
	}

	// Refill tokens for the time that has passed
	if elapsed := now.Sub(r.last); elapsed > 0 {
		refill := int(float64(elapsed) / float64(r.rate))
		if refill > 0 {
			r.tokens += refill
			if r.tokens > r.maxTokens {
				r.tokens = r.maxTokens
			}
			r.last = now
		}
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// No tokens left. Claim the next slot under the lock so concurrent
	// waiters queue up instead of stampeding when the timer fires.
	wait := r.rate + r.jitter()
	next := r.last.Add(wait)
	r.last = next
	r.metrics.Throttled++
	r.mu.Unlock()

	return sleepCtx(ctx, time.Until(next))
}

// OnRateLimit records a rate limit response, slows the limiter down and
// returns how long the caller should wait before retrying.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := timeNow()
	r.metrics.RateLimited++

	// Back-to-back limits within a few minutes grow the delay faster
	factor := r.backoffFactor
	if !r.lastRateDrop.IsZero() && now.Sub(r.lastRateDrop) < 5*time.Minute {
		factor *= 1.5
	}
	r.rate = time.Duration(float64(r.rate) * factor)
	if r.rate > r.maxRate {
		r.rate = r.maxRate
	}
	r.lastRateDrop = now

	wait := r.rate
	if retryAfter > wait {
		wait = retryAfter
	}
	r.backoffUntil = now.Add(wait)

	r.logger.Warn("Rate limited, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
		"wait":        wait.String(),
	})

	return wait
}

// ObserveHeaders adjusts pacing from standard rate limit response headers.
// A Retry-After header opens a backoff window; X-RateLimit-Remaining and
// X-RateLimit-Reset spread the remaining budget over the reset interval.
func (r *RateLimiter) ObserveHeaders(resp *http.Response) {
	if resp == nil {
		return
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if d, err := ParseRetryAfter(retryAfter); err == nil && d > 0 {
			r.mu.Lock()
			r.backoffUntil = timeNow().Add(d)
			r.mu.Unlock()
			return
		}
	}

	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")
	if remaining == "" || reset == "" {
		return
	}
	left, err := strconv.Atoi(remaining)
	if err != nil || left <= 0 {
		return
	}
	resetUnix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return
	}
	window := time.Unix(resetUnix, 0).Sub(timeNow())
	if window <= 0 {
		return
	}

	pace := window / time.Duration(left)
	r.mu.Lock()
	if pace > r.rate && pace <= r.maxRate {
		r.rate = pace
	}
	r.mu.Unlock()
}

// ResetRate restores the limiter to its configured minimum rate
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = r.minRate
	r.backoffUntil = time.Time{}
	r.lastRateDrop = time.Time{}
}

// GetRate returns the current delay between requests
func (r *RateLimiter) GetRate() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

// GetMetrics returns a snapshot of the limiter counters
func (r *RateLimiter) GetMetrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// SetBackoffFactor overrides the growth factor applied on rate limits
func (r *RateLimiter) SetBackoffFactor(factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factor >= 1.0 {
		r.backoffFactor = factor
	}
}

// SetJitterFactor overrides the jitter fraction added to waits
func (r *RateLimiter) SetJitterFactor(factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factor >= 0 && factor <= 1.0 {
		r.jitterFactor = factor
	}
}

func (r *RateLimiter) remainingBackoff(now time.Time) time.Duration {
	if r.backoffUntil.IsZero() || !now.Before(r.backoffUntil) {
		return 0
	}
	return r.backoffUntil.Sub(now)
}

func (r *RateLimiter) jitter() time.Duration {
	if r.jitterFactor <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * r.jitterFactor * float64(r.rate))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// ParseRetryAfter parses a Retry-After header value, which is either a
// number of seconds or an HTTP date.
func ParseRetryAfter(header string) (time.Duration, error) {
	if header == "" {
		return 0, errors.New("empty retry-after header")
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, errors.New("negative retry-after value")
		}
		return time.Duration(secs) * time.Second, nil
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(timeNow())
		if d < 0 {
			d = 0
		}
		return d, nil
	}
	return 0, errors.New("unrecognized retry-after format")
}

// IsRateLimitError reports whether err is a rate limit condition
func IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryAfter)
}
