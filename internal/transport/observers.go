package transport

import (
	"sync"
)

// Observers is an ordered fan-out list. Every registered callback receives
// every value; the function returned by Add removes exactly its own entry.
type Observers[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, entry[T]{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.entries {
			if e.id == id {
				o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every observer registered at the time of the call.
func (o *Observers[T]) Emit(v T) {
	o.mu.RLock()
	entries := o.entries
	o.mu.RUnlock()

	for _, e := range entries {
		e.fn(v)
	}
}

func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}
