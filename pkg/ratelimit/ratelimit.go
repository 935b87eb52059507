// Package ratelimit implements per-client token-bucket admission
// control used on the public HTTP surface.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket with lazy refill on consume — there
// is no background ticker, matching the reference implementation.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastUpdate time.Time
}

func newBucket(rate, capacity float64) *Bucket {
	return &Bucket{rate: rate, capacity: capacity, tokens: capacity, lastUpdate: time.Now()}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
}

// Consume attempts to remove n tokens. It reports whether the request
// is allowed and, when denied, the number of seconds the caller should
// wait before retrying (deficit / rate).
func (b *Bucket) Consume(n float64) (allowed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	seconds := deficit / b.rate
	return false, time.Duration(seconds * float64(time.Second))
}

// TokensAvailable reports the current token count after a refill pass,
// for diagnostics and tests.
func (b *Bucket) TokensAvailable() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Limiter manages one Bucket per client id, evicting buckets that have
// been idle past cleanupInterval.
type Limiter struct {
	rate     float64
	capacity float64

	cleanupInterval time.Duration

	mu        sync.Mutex
	buckets   map[string]*Bucket
	lastSeen  map[string]time.Time
	lastSweep time.Time
}

// NewLimiter builds a Limiter with the given per-client rate (tokens/sec)
// and burst capacity. cleanupInterval bounds memory by evicting buckets
// unused for that long; spec default is 5 minutes.
func NewLimiter(rate, capacity float64, cleanupInterval time.Duration) *Limiter {
	return &Limiter{
		rate:            rate,
		capacity:        capacity,
		cleanupInterval: cleanupInterval,
		buckets:         make(map[string]*Bucket),
		lastSeen:        make(map[string]time.Time),
		lastSweep:       time.Now(),
	}
}

// ClientID derives the per-client bucketing key: "key:"+apiKey when an
// API key is present, else "ip:"+remoteAddr.
func ClientID(apiKey, remoteAddr string) string {
	if apiKey != "" {
		return "key:" + apiKey
	}
	return "ip:" + remoteAddr
}

// Allow admits or denies one request for clientID, sweeping stale
// buckets opportunistically.
func (l *Limiter) Allow(clientID string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	now := time.Now()
	b, ok := l.buckets[clientID]
	if !ok {
		b = newBucket(l.rate, l.capacity)
		l.buckets[clientID] = b
	}
	l.lastSeen[clientID] = now
	l.sweepLocked(now)
	l.mu.Unlock()

	return b.Consume(1)
}

// sweepLocked must be called with l.mu held. It evicts buckets idle
// past cleanupInterval, throttled to run at most once per
// cleanupInterval to keep Allow cheap on the hot path.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cleanupInterval {
		return
	}
	l.lastSweep = now
	for id, seen := range l.lastSeen {
		if now.Sub(seen) > l.cleanupInterval {
			delete(l.buckets, id)
			delete(l.lastSeen, id)
		}
	}
}

// Size reports the number of tracked buckets, for tests and diagnostics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
