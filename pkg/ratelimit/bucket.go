// Package ratelimit implements the token bucket that gates outbound
// Discogs API calls. Tokens refill continuously over time, allowing short
// bursts while holding the average rate at the configured ceiling
// (60 requests per minute for an authenticated Discogs client).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate limit gating.
var (
	tokensAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimit_tokens_available",
		Help: "Tokens currently available in the rate limit bucket",
	})

	tokensConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_tokens_consumed_total",
		Help: "Total tokens consumed for outbound API calls",
	})

	waitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_waits_total",
		Help: "Total number of times a caller had to wait for tokens",
	})
)

// maxPollInterval caps the sleep between consume attempts so AwaitConsume
// reacts promptly once tokens become available.
const maxPollInterval = 100 * time.Millisecond

// Bucket is a thread-safe token bucket. Tokens are a continuous quantity
// refilled lazily on each consume attempt from elapsed wall-clock time,
// never accruing beyond capacity.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a full bucket holding capacity tokens that refills at
// refillRate tokens per second.
func NewBucket(capacity int, refillRate float64) *Bucket {
	return &Bucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// refill adds tokens proportional to elapsed time. Caller must hold mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// TryConsume attempts to take n tokens. It returns true and decrements the
// balance iff at least n tokens are available after refill; otherwise the
// balance is left unchanged.
func (b *Bucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())

	if b.tokens < float64(n) {
		tokensAvailable.Set(b.tokens)
		return false
	}

	b.tokens -= float64(n)
	tokensAvailable.Set(b.tokens)
	tokensConsumedTotal.Add(float64(n))
	return true
}

// AwaitConsume blocks until n tokens could be consumed, the context is
// cancelled, or the timeout elapses (timeout <= 0 means no timeout).
// It polls TryConsume, sleeping the estimated refill time between attempts,
// capped so a freed-up bucket is noticed within maxPollInterval.
func (b *Bucket) AwaitConsume(ctx context.Context, n int, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	waited := false
	for {
		if b.TryConsume(n) {
			return true
		}

		if !waited {
			waitsTotal.Inc()
			waited = true
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.nextWait(n)):
		}
	}
}

// nextWait estimates how long until n tokens are available.
func (b *Bucket) nextWait(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())

	missing := float64(n) - b.tokens
	if missing <= 0 || b.refillRate <= 0 {
		return time.Millisecond
	}

	wait := time.Duration(missing / b.refillRate * float64(time.Second))
	if wait > maxPollInterval {
		wait = maxPollInterval
	}
	return wait
}

// Tokens returns the current token balance after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	return b.tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() int {
	return int(b.capacity)
}
