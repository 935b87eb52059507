package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialGrowth(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second, 2.0)
	assert.Equal(t, 5*time.Second, b.NextDelay())
	assert.Equal(t, 10*time.Second, b.NextDelay())
	assert.Equal(t, 20*time.Second, b.NextDelay())
	assert.Equal(t, 40*time.Second, b.NextDelay())
	assert.Equal(t, 60*time.Second, b.NextDelay()) // capped at max
}

func TestBackoffResetsAttemptCounter(t *testing.T) {
	b := DefaultBackoff()
	b.NextDelay()
	b.NextDelay()
	assert.Equal(t, 2, b.AttemptCount())
	b.Reset()
	assert.Equal(t, 0, b.AttemptCount())
	assert.Equal(t, 5*time.Second, b.NextDelay())
}
