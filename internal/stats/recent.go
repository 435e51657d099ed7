package stats

import (
	"sync"

	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// DefaultRecentCapacity is the recent-event log size.
const DefaultRecentCapacity = 50

// RecentLog is a fixed-capacity, most-recent-first buffer of normalized
// events. Push evicts the oldest entry once full.
type RecentLog struct {
	mu       sync.RWMutex
	events   []*escrow.Event
	capacity int
}

// NewRecentLog returns an empty log with the given capacity
// (DefaultRecentCapacity when <= 0).
func NewRecentLog(capacity int) *RecentLog {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &RecentLog{
		events:   make([]*escrow.Event, 0, capacity),
		capacity: capacity,
	}
}

// Push prepends an event and truncates to capacity.
func (l *RecentLog) Push(ev *escrow.Event) {
	if ev == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, nil)
	copy(l.events[1:], l.events)
	l.events[0] = ev
	if len(l.events) > l.capacity {
		l.events = l.events[:l.capacity]
	}
}

// Recent returns up to limit most-recent events, newest first, without
// mutating the log. limit <= 0 or beyond capacity returns everything.
func (l *RecentLog) Recent(limit int) []*escrow.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*escrow.Event, n)
	copy(out, l.events[:n])
	return out
}

// DropAfter removes entries above a block number; used when a rollback
// signal invalidates recently pushed events.
func (l *RecentLog) DropAfter(lastValid uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[:0]
	dropped := 0
	for _, ev := range l.events {
		if ev.BlockNumber > lastValid {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	l.events = kept
	return dropped
}

// Len returns the current number of entries.
func (l *RecentLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
