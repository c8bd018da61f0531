package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrently open connections
type Limiter struct {
	max     atomic.Int64
	current atomic.Int64
}

// NewLimiter creates a limiter admitting at most maxConns connections
func NewLimiter(maxConns int64) *Limiter {
	l := &Limiter{}
	l.max.Store(maxConns)
	return l
}

// Allow takes a slot if one is free
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.max.Load() {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot taken by Allow
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// SetMax changes the cap. Open connections above a lowered cap are kept.
func (l *Limiter) SetMax(maxConns int64) {
	l.max.Store(maxConns)
}

// Current returns the number of taken slots
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the cap
func (l *Limiter) Max() int64 {
	return l.max.Load()
}
