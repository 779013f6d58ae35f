// Package ratelimit implements fixed-window counters keyed by caller-chosen
// strings: an in-process Memory limiter and a Redis limiter shared between
// processes.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tripchat/realtime/internal/clock"
)

// Limiter reports whether one more action under key is permitted within the
// current window of the given length.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

type window struct {
	start time.Time
	count int
}

type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*window
}

var _ Limiter = (*Memory)(nil)

func NewMemory(c clock.Clock) *Memory {
	return &Memory{clock: clock.OrReal(c), windows: make(map[string]*window)}
}

// CheckLimit counts the attempt and permits it while the count stays within
// max. The window opens on the first attempt and resets once it has expired.
func (m *Memory) CheckLimit(_ context.Context, key string, max int, length time.Duration) (bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now}
		m.windows[key] = w
	}
	if w.count >= max {
		return false, nil
	}
	w.count++
	return true, nil
}

// Reset forgets the window for key.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
}

// Sweep drops expired windows so idle keys do not accumulate.
func (m *Memory) Sweep(length time.Duration) int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.windows {
		if now.Sub(w.start) >= length {
			delete(m.windows, k)
			n++
		}
	}
	return n
}
