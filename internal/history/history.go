// Package history keeps a fixed-capacity log of recent gateway events.
package history

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// DefaultMaxEntries is the cap used when a non-positive capacity is given.
const DefaultMaxEntries = 1000

// Entry is a single recorded event
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId,omitempty"`
}

// Log is a bounded, append-only event log. After every Append the number of
// retained entries is at most Cap(); on overflow the oldest entries are
// evicted until exactly Cap() remain.
type Log struct {
	mu      sync.RWMutex
	max     int
	entries *queue.Queue
	evicted uint64
}

// NewLog creates a log retaining at most maxEntries entries
func NewLog(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{
		max:     maxEntries,
		entries: queue.New(),
	}
}

// Append records an entry and returns the number of entries evicted to keep the cap
func (l *Log) Append(e Entry) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Add(e)
	evicted := 0
	for l.entries.Length() > l.max {
		l.entries.Remove()
		evicted++
	}
	l.evicted += uint64(evicted)
	return evicted
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Length()
}

// Cap returns the maximum number of retained entries
func (l *Log) Cap() int {
	return l.max
}

// Evicted returns the total number of entries dropped by the cap
func (l *Log) Evicted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

// Snapshot returns a copy of the retained entries, oldest first
func (l *Log) Snapshot() []Entry {
	return l.Last(0)
}

// Last returns a copy of the n most recent entries, oldest first.
// n <= 0 returns every retained entry.
func (l *Log) Last(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	length := l.entries.Length()
	if n <= 0 || n > length {
		n = length
	}
	out := make([]Entry, 0, n)
	for i := length - n; i < length; i++ {
		out = append(out, l.entries.Get(i).(Entry))
	}
	return out
}
