package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTracked bounds the number of source addresses with bucket state.
const maxTracked = 10000

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter is a per-key token bucket. A nil Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
	rate    float64 // tokens per second
	burst   float64
	clock   clock.Clock
}

// New allows perMinute requests per key with bursts up to burst. It returns
// nil when perMinute is not positive.
func New(perMinute, burst int, clk clock.Clock) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	rate := float64(perMinute) / 60
	// Entries idle long enough to refill completely carry no information.
	refill := time.Duration(float64(burst) / rate * float64(time.Second))
	return &Limiter{
		buckets: expirable.NewLRU[string, *bucket](maxTracked, nil, refill+time.Minute),
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
	}
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets.Get(key)
	if !ok {
		l.buckets.Add(key, &bucket{tokens: l.burst - 1, lastFill: now})
		return true
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	// Add again so an active key keeps its bucket past the LRU ttl.
	l.buckets.Add(key, b)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tracked returns the number of keys with bucket state.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
