// Package batching coalesces bursts of inbound events into single deliveries.
package batching

import (
	"sync"
	"time"

	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
)

const DefaultDelay = 100 * time.Millisecond

// Dispatcher accumulates events and hands them to deliver in arrival order,
// either when the batch timer fires or on Flush/Close. deliver must not call
// back into the Dispatcher.
type Dispatcher struct {
	clock   clock.Clock
	delay   time.Duration
	deliver func([]domain.Event)

	mu      sync.Mutex
	pending []domain.Event
	timer   clock.Timer
	closed  bool

	// held across snapshot and delivery so flushes never interleave
	deliverMu sync.Mutex
}

func New(c clock.Clock, delay time.Duration, deliver func([]domain.Event)) *Dispatcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Dispatcher{
		clock:   clock.OrReal(c),
		delay:   delay,
		deliver: deliver,
	}
}

// Add queues ev for the next flush. It reports false once the dispatcher is closed.
func (d *Dispatcher) Add(ev domain.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.pending = append(d.pending, ev)
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.delay, d.Flush)
	}
	return true
}

// Flush delivers everything pending right now.
func (d *Dispatcher) Flush() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	observability.BatchSize.Observe(float64(len(batch)))
	d.deliver(batch)
}

// Close flushes synchronously and rejects further events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.Flush()
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
