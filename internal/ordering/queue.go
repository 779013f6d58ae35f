// Package ordering releases transport events in strict sequence order.
package ordering

import (
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
)

// Queue holds back out-of-sequence events until the gap before them closes.
// It is not safe for concurrent use; the owning chain serializes access.
type Queue struct {
	expected int64
	buffer   map[int64]domain.Event
	emit     func(domain.Event)
}

func New(emit func(domain.Event)) *Queue {
	return &Queue{
		buffer: make(map[int64]domain.Event),
		emit:   emit,
	}
}

// Push accepts one delivery. Events at or past expected are released in
// order, older ones are dropped as stale redeliveries.
func (q *Queue) Push(ev domain.Event) {
	switch {
	case ev.Sequence < q.expected:
		observability.OrderingDiscardedTotal.Inc()
		return
	case ev.Sequence > q.expected:
		if _, held := q.buffer[ev.Sequence]; !held {
			q.buffer[ev.Sequence] = ev
			observability.OrderingBuffered.Inc()
		}
		return
	}

	q.emit(ev)
	q.expected++

	for {
		next, ok := q.buffer[q.expected]
		if !ok {
			return
		}
		delete(q.buffer, q.expected)
		observability.OrderingBuffered.Dec()
		q.emit(next)
		q.expected++
	}
}

// Reset forgets the sequence position and any held events. Call it before a
// recreated channel delivers anything.
func (q *Queue) Reset() {
	observability.OrderingBuffered.Sub(float64(len(q.buffer)))
	q.expected = 0
	q.buffer = make(map[int64]domain.Event)
}

func (q *Queue) Pending() int { return len(q.buffer) }
