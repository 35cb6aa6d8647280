// Package breaker implements the per-callback circuit breaker used by the
// event bus and the cache subscription registry. A breaker opens after a
// configurable number of consecutive failures; an open breaker stops further
// invocations of its callback until it is reset.
package breaker

import (
	"sync"
	"time"
)

// State is the externally visible breaker state.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Breaker counts consecutive failures of a single callback.
type Breaker struct {
	threshold int

	mu          sync.Mutex
	state       State
	consecutive int
	failures    int
	calls       int
	lastCalled  time.Time
	openedAt    time.Time
	lastErr     error
}

// New returns a closed breaker. A threshold <= 0 never opens.
func New(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Success records a successful invocation.
func (b *Breaker) Success(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastCalled = at
	b.consecutive = 0
}

// Failure records a failed invocation and reports whether this failure
// opened the breaker.
func (b *Breaker) Failure(at time.Time, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.failures++
	b.consecutive++
	b.lastCalled = at
	b.lastErr = err
	if b.state == Closed && b.threshold > 0 && b.consecutive >= b.threshold {
		b.state = Open
		b.openedAt = at
		return true
	}
	return false
}

// Allow reports whether the callback may be invoked.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed
}

// Reset closes the breaker and clears the consecutive failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutive = 0
	b.openedAt = time.Time{}
}

// Snapshot is a point-in-time copy of breaker accounting.
type Snapshot struct {
	State       State
	Calls       int
	Failures    int
	Consecutive int
	LastCalled  time.Time
	OpenedAt    time.Time
	LastError   string
}

// Snapshot returns the current accounting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:       b.state,
		Calls:       b.calls,
		Failures:    b.failures,
		Consecutive: b.consecutive,
		LastCalled:  b.lastCalled,
		OpenedAt:    b.openedAt,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
