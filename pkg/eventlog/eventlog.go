// Package eventlog provides the bounded, append-only in-memory event log.
// The log is the single source of truth for "what happened" during a scan;
// aggregate state is derived from it by the projection engine. Retention is
// a ring of the most recent events; once capacity is exceeded the oldest
// entries are silently evicted. That is a memory trade-off, not a
// correctness one: the projection engine keeps the facts that matter
// independently of raw event retention.
package eventlog

import (
	"sync"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 100

// Log is a fixed-capacity ring of recent events.
// It is safe for concurrent use. Append never blocks and never fails.
type Log struct {
	mu   sync.RWMutex
	buf  []events.Event
	next int // insertion index
	size int
}

// New creates a log with the given capacity.
// Non-positive capacities fall back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]events.Event, capacity)}
}

// Append stores an event, evicting the oldest entry when full.
func (l *Log) Append(evt events.Event) {
	l.mu.Lock()
	l.buf[l.next] = evt
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	l.mu.Unlock()
}

// Recent returns up to n events, most recent first.
func (l *Log) Recent(n int) []events.Event {
	return l.recent(n, func(events.Event) bool { return true })
}

// RecentForScan returns up to n events for the given scan, most recent first.
func (l *Log) RecentForScan(n int, scanID string) []events.Event {
	return l.recent(n, func(e events.Event) bool { return e.ScanID == scanID })
}

// RecentMatching returns up to n events accepted by keep, most recent first.
// The broadcast layer uses this to scope connect-time replay to a room.
func (l *Log) RecentMatching(n int, keep func(events.Event) bool) []events.Event {
	return l.recent(n, keep)
}

func (l *Log) recent(n int, keep func(events.Event) bool) []events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.size == 0 {
		return nil
	}
	if n > l.size {
		n = l.size
	}
	out := make([]events.Event, 0, n)
	// Walk backwards from the newest entry.
	for i := 1; i <= l.size && len(out) < n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		if keep(l.buf[idx]) {
			out = append(out, l.buf[idx])
		}
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the ring capacity.
func (l *Log) Cap() int { return len(l.buf) }
