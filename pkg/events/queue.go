package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// DefaultQueueCapacity bounds the queue when no capacity is configured.
const DefaultQueueCapacity = 10000

const laneCount = int(domain.PriorityHigh) + 1

// Queue is a bounded multi-producer, single-consumer event transport.
//
// Publish never blocks. When the queue is full the oldest event of the lowest
// priority class is evicted, where the incoming event takes part in the choice.
// Drain returns events in publish order across all priority lanes.
type Queue struct {
	mu       sync.Mutex
	lanes    [laneCount]*ring
	size     int
	capacity int
	seq      uint64
	closed   bool

	// notify wakes the single drainer; capacity 1 coalesces wakeups.
	notify chan struct{}

	published uint64
	evicted   uint64
	drained   uint64
	highWater int

	metrics *telemetry.Metrics
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	for i := range q.lanes {
		q.lanes[i] = newRing(capacity)
	}
	return q
}

// SetMetrics sets the Prometheus metrics collector
func (q *Queue) SetMetrics(m *telemetry.Metrics) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = m
}

// Publish admits ev, assigning its sequence number. At capacity one event is
// evicted, possibly ev itself. Publish reports whether ev was admitted: false
// when the queue is closed or ev was the evicted event.
func (q *Queue) Publish(ev domain.Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Priority < domain.PriorityLow || ev.Priority > domain.PriorityHigh {
		ev.Priority = domain.DefaultPriority(ev.Kind())
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	q.seq++
	ev.Sequence = q.seq
	q.published++

	evicted := false
	var evictedPriority domain.Priority
	if q.size >= q.capacity {
		evicted = true
		q.evicted++
		lowest := q.lowestLaneLocked()
		if ev.Priority < lowest {
			// The incoming event is the oldest member of the lowest class.
			evictedPriority = ev.Priority
			depth := q.size
			metrics := q.metrics
			q.mu.Unlock()
			if metrics != nil {
				metrics.RecordPublish(string(ev.Kind()), depth)
				metrics.RecordQueueEviction(evictedPriority.String())
			}
			return false
		}
		q.lanes[lowest].pop()
		q.size--
		evictedPriority = lowest
	}

	q.lanes[ev.Priority].push(ev)
	q.size++
	if q.size > q.highWater {
		q.highWater = q.size
	}
	depth := q.size
	metrics := q.metrics
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	if metrics != nil {
		metrics.RecordPublish(string(ev.Kind()), depth)
		if evicted {
			metrics.RecordQueueEviction(evictedPriority.String())
		}
	}
	return true
}

func (q *Queue) lowestLaneLocked() domain.Priority {
	for p := range q.lanes {
		if q.lanes[p].size > 0 {
			return domain.Priority(p)
		}
	}
	return domain.PriorityHigh
}

// Drain returns up to maxCount events in publish order. If the queue is empty
// it waits until an event arrives, timeout elapses, the context is cancelled,
// or the queue is closed. Only one goroutine may drain at a time.
func (q *Queue) Drain(ctx context.Context, maxCount int, timeout time.Duration) []domain.Event {
	if maxCount <= 0 {
		return nil
	}

	var timer *time.Timer
	for {
		if batch := q.take(maxCount); len(batch) > 0 {
			if timer != nil {
				timer.Stop()
			}
			return batch
		}
		if q.isClosed() || timeout <= 0 {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return q.take(maxCount)
		case <-ctx.Done():
			return nil
		}
	}
}

// take removes up to maxCount events, merging priority lanes by sequence number.
func (q *Queue) take(maxCount int) []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}

	n := min(maxCount, q.size)
	batch := make([]domain.Event, 0, n)
	for len(batch) < n {
		best := -1
		var bestSeq uint64
		for p, lane := range q.lanes {
			head, ok := lane.peek()
			if !ok {
				continue
			}
			if best < 0 || head.Sequence < bestSeq {
				best = p
				bestSeq = head.Sequence
			}
		}
		ev, _ := q.lanes[best].pop()
		batch = append(batch, ev)
	}

	q.size -= len(batch)
	q.drained += uint64(len(batch))
	if q.metrics != nil {
		q.metrics.UpdateQueueDepth(q.size)
	}
	return batch
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of queued events.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Clear discards every queued event and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, lane := range q.lanes {
		removed += lane.clear()
	}
	q.size = 0
	if q.metrics != nil {
		q.metrics.UpdateQueueDepth(0)
	}
	return removed
}

// Close stops accepting events and wakes a blocked drainer. Queued events can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	return q.isClosed()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return domain.QueueStats{
		Capacity:  q.capacity,
		Depth:     q.size,
		HighWater: q.highWater,
		Published: q.published,
		Evicted:   q.evicted,
		Drained:   q.drained,
	}
}
