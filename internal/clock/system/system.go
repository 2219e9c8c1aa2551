// Package system provides wall clocks for event timestamps.
package system

import (
	"sync"
	"time"
)

// Clock reads the current UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Source is anything that reports the current time.
type Source interface {
	Now() time.Time
}

// Monotonic wraps a Source so successive readings never go backwards, even if
// the wall clock is stepped. A reading earlier than the previous one is
// replaced by the previous one.
type Monotonic struct {
	src  Source
	mu   sync.Mutex
	last time.Time
}

// NewMonotonic wraps src; a nil src uses the system clock.
func NewMonotonic(src Source) *Monotonic {
	if src == nil {
		src = New()
	}
	return &Monotonic{src: src}
}

// Now returns a time no earlier than any previously returned time.
func (m *Monotonic) Now() time.Time {
	now := m.src.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.last) {
		return m.last
	}
	m.last = now
	return now
}
