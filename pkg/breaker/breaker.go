// Package breaker implements a three-state circuit breaker used to
// guard outbound calls to the twin and to LLM backends.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by callers that attempt a call while the breaker
// denies execution.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls breaker thresholds.
type Config struct {
	FailureThreshold int           // failures in Closed before tripping to Open
	RecoveryTimeout  time.Duration // time in Open before a probe is allowed
	HalfOpenMaxCalls int           // consecutive successes in HalfOpen before closing
}

// DefaultConfig mirrors common production defaults observed in the pack.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker is a three-state failure gate. Zero value is not usable; use New.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// New constructs a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, performing the
// time-based Open→HalfOpen promotion check as a side effect.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromote()
	return b.state
}

// maybePromote must be called with b.mu held.
func (b *Breaker) maybePromote() {
	if b.state == Open && time.Since(b.lastFailureTime) > b.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.halfOpenCalls = 0
	}
}

// CanExecute reports whether a call may proceed. In Closed, always
// true. In Open, performs the elapsed-time check and promotes to
// HalfOpen if due. In HalfOpen, true iff fewer than HalfOpenMaxCalls
// probes are currently recorded.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromote()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.halfOpenCalls < b.cfg.HalfOpenMaxCalls
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful call outcome. In Closed, zeros
// failure_count. In HalfOpen, increments the probe counter and closes
// the breaker once HalfOpenMaxCalls is reached. A success recorded
// while Open is a no-op: the probe path goes through HalfOpen.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromote()

	switch b.state {
	case Closed:
		b.failureCount = 0
		b.successCount++
	case HalfOpen:
		b.halfOpenCalls++
		b.successCount++
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.state = Closed
			b.failureCount = 0
			b.halfOpenCalls = 0
		}
	case Open:
		// no-op
	}
}

// RecordFailure reports a failed call outcome. Stamps last_failure_time
// unconditionally. In HalfOpen, transitions straight back to Open. In
// Closed, increments failure_count and trips to Open at threshold. A
// failure recorded while already Open refreshes last_failure_time,
// extending the cooldown window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.halfOpenCalls = 0
	case Open:
		// refresh only, handled above
	}
}

// RecordHTTPStatus is a convenience wrapper: status codes >= 500 or a
// non-nil transport error count as failures; everything else,
// including 4xx client errors, counts as success for the breaker.
func (b *Breaker) RecordHTTPStatus(status int, transportErr error) {
	if transportErr != nil || status >= 500 {
		b.RecordFailure()
		return
	}
	b.RecordSuccess()
}

// Snapshot returns a point-in-time copy of internal counters, useful
// for health/readiness reporting.
type Snapshot struct {
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	HalfOpenCalls   int
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromote()
	return Snapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		HalfOpenCalls:   b.halfOpenCalls,
	}
}
