package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedTripsAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	require.Equal(t, Closed, b.State())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
}

func TestSuccessZeroesFailureCountInClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Snapshot().FailureCount)
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
}

func TestPromotesToHalfOpenAfterRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 2})
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.CanExecute())
}

func TestHalfOpenClosesAfterMaxSuccesses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 2})
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 2})
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestFailureDuringOpenRefreshesCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 1})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.RecordFailure() // refresh, still within original window but resets clock
	time.Sleep(15 * time.Millisecond)
	// only 15ms since the refreshed failure, recovery timeout is 20ms
	assert.Equal(t, Open, b.State())
}

func TestSuccessDuringOpenIsNoop(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	b.RecordSuccess()
	assert.Equal(t, Open, b.State())
}

func TestRecordHTTPStatusTreats4xxAsSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1})
	b.RecordHTTPStatus(404, nil)
	assert.Equal(t, Closed, b.State())
	b.RecordHTTPStatus(503, nil)
	assert.Equal(t, Open, b.State())
}
