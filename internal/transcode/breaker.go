package transcode

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's externally visible state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after threshold consecutive transport failures. An open
// breaker admits one trial request once the open timeout has elapsed since
// the last failure; that transition is evaluated lazily on every state query,
// there is no background timer. The trial's outcome decides: success closes
// the breaker and resets the counter, failure re-opens it.
type Breaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	fails       int
	open        bool
	lastFailure time.Time
	trialActive bool

	now func() time.Time // test hook
}

func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{threshold: threshold, timeout: timeout, now: time.Now}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if !b.open {
		return StateClosed
	}
	if b.now().Sub(b.lastFailure) >= b.timeout {
		return StateHalfOpen
	}
	return StateOpen
}

// Allow reports whether a request may proceed. In half-open, exactly one
// trial is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.fails = 0
	b.open = false
	b.trialActive = false
	b.mu.Unlock()
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.lastFailure = b.now()
	if b.open {
		// half-open trial failed (or a straggler while open): re-open with a
		// fresh timeout window
		b.trialActive = false
		b.mu.Unlock()
		return
	}
	b.fails++
	if b.fails >= b.threshold {
		b.open = true
	}
	b.mu.Unlock()
}

// Failures returns the consecutive failure count (diagnostics).
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
