package epg

import (
	"sort"
	"sync"

	"ziggotv-proxy/work/types"
)

// EventList keeps a channel's events ordered by start time. Insertion
// rejects duplicates sharing the same start and end, so re-processing a
// window is harmless.
type EventList struct {
	mu     sync.Mutex
	events []types.Event
}

// Insert adds an event in start-time order. Returns false when an event
// with the same start and end already exists.
func (l *EventList) Insert(ev types.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].StartTime >= ev.StartTime
	})
	for i := idx; i < len(l.events) && l.events[i].StartTime == ev.StartTime; i++ {
		if l.events[i].EndTime == ev.EndTime {
			return false
		}
	}

	l.events = append(l.events, types.Event{})
	copy(l.events[idx+1:], l.events[idx:])
	l.events[idx] = ev
	return true
}

// All returns a copy of the ordered events.
func (l *EventList) All() []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Between returns the events overlapping [start, end).
func (l *EventList) Between(start, end int64) []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Event
	for _, ev := range l.events {
		if ev.EndTime > start && ev.StartTime < end {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of events in the list.
func (l *EventList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// prune drops events that ended before the cutoff.
func (l *EventList) prune(cutoff int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.EndTime >= cutoff {
			kept = append(kept, ev)
		}
	}
	l.events = kept
}
