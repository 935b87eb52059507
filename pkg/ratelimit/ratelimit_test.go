package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeWithinCapacity(t *testing.T) {
	b := newBucket(1, 5)
	ok, _ := b.Consume(5)
	assert.True(t, ok)
	ok, retry := b.Consume(1)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestRefillOverTime(t *testing.T) {
	b := newBucket(10, 5) // 10 tokens/sec
	ok, _ := b.Consume(5)
	require.True(t, ok)
	time.Sleep(150 * time.Millisecond)
	avail := b.TokensAvailable()
	assert.Greater(t, avail, 1.0)
}

func TestRetryAfterFormula(t *testing.T) {
	b := newBucket(2, 2) // rate=2/s
	ok, _ := b.Consume(2)
	require.True(t, ok)
	_, retry := b.Consume(1)
	// deficit=1, rate=2 -> 0.5s
	assert.InDelta(t, 500*time.Millisecond, retry, float64(50*time.Millisecond))
}

func TestClientIDPrefersAPIKey(t *testing.T) {
	assert.Equal(t, "key:abc", ClientID("abc", "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", ClientID("", "1.2.3.4"))
}

func TestLimiterEvictsStaleBuckets(t *testing.T) {
	l := NewLimiter(1, 1, 10*time.Millisecond)
	l.Allow("ip:1.1.1.1")
	require.Equal(t, 1, l.Size())
	time.Sleep(20 * time.Millisecond)
	l.Allow("ip:2.2.2.2") // triggers sweep, evicts the first
	assert.Equal(t, 1, l.Size())
}
