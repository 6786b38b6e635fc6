package events

import "github.com/polisai/polis-monitor/pkg/domain"

const initialRingSize = 64

// ring is a circular buffer of events with oldest-first removal. Storage grows
// by doubling up to limit.
// It is not synchronized; Queue guards every lane with its own mutex.
type ring struct {
	events []domain.Event
	head   int // Index of oldest element
	tail   int // Index where next element will be inserted
	size   int
	limit  int
}

func newRing(limit int) *ring {
	if limit <= 0 {
		limit = 1
	}
	return &ring{
		events: make([]domain.Event, min(limit, initialRingSize)),
		limit:  limit,
	}
}

// push stores ev at the tail. The caller guarantees size is below limit.
func (r *ring) push(ev domain.Event) {
	if r.size == len(r.events) {
		r.grow()
	}
	r.events[r.tail] = ev
	r.tail = (r.tail + 1) % len(r.events)
	r.size++
}

func (r *ring) grow() {
	events := make([]domain.Event, min(2*len(r.events), r.limit))
	n := copy(events, r.events[r.head:])
	copy(events[n:], r.events[:r.head])
	r.events = events
	r.head = 0
	r.tail = r.size % len(events)
}

// pop removes and returns the oldest event.
func (r *ring) pop() (domain.Event, bool) {
	if r.size == 0 {
		return domain.Event{}, false
	}
	ev := r.events[r.head]
	r.events[r.head] = domain.Event{}
	r.head = (r.head + 1) % len(r.events)
	r.size--
	return ev, true
}

// peek returns the oldest event without removing it.
func (r *ring) peek() (domain.Event, bool) {
	if r.size == 0 {
		return domain.Event{}, false
	}
	return r.events[r.head], true
}

// clear empties the ring and releases grown storage.
func (r *ring) clear() int {
	n := r.size
	r.events = make([]domain.Event, min(r.limit, initialRingSize))
	r.head = 0
	r.tail = 0
	r.size = 0
	return n
}
