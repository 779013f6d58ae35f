// Package netstatus holds the process-wide network-online signal.
package netstatus

import (
	"context"
	"sync"

	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
)

// Signal is the read side of the online flag that components depend on.
type Signal interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type Monitor struct {
	mu     sync.Mutex
	online bool

	observers transport.Observers[bool]
}

func NewMonitor(online bool) *Monitor {
	m := &Monitor{online: online}
	record(online)
	return m
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the flag. Observers hear only about transitions, in
// subscription order.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	record(online)
	observability.GetLogger(context.Background()).Info("netstatus: connectivity changed", zap.Bool("online", online))
	m.observers.Emit(online)
}

func (m *Monitor) Subscribe(fn func(bool)) func() {
	return m.observers.Add(fn)
}

func record(online bool) {
	if online {
		observability.NetworkOnline.Set(1)
	} else {
		observability.NetworkOnline.Set(0)
	}
}
