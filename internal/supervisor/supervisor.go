// Package supervisor keeps a transport channel connected: it retries faults
// with exponential backoff, follows the network-online signal and reports
// connection-state transitions.
package supervisor

import (
	"context"
	"sync"

	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Faulted
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

func (s State) status() domain.ConnectionStatus {
	switch s {
	case Connecting:
		return domain.StatusConnecting
	case Connected:
		return domain.StatusConnected
	case Faulted:
		return domain.StatusErrored
	}
	return domain.StatusDisconnected
}

type Supervisor struct {
	cfg     Config
	channel transport.Channel
	network netstatus.Signal
	clock   clock.Clock
	name    string
	kind    string
	onReset func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempt  int
	lastErr  error
	stopped  bool
	timer    clock.Timer
	gen      uint64
	unsubNet func()

	notifyMu  sync.Mutex
	observers transport.Observers[domain.ConnectionState]
}

type Option func(*Supervisor)

func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithReset registers the hook run before every channel connect, so
// connection-scoped state is cleared before the new subscription delivers.
func WithReset(fn func()) Option { return func(s *Supervisor) { s.onReset = fn } }

// WithLabels names the supervised conversation in logs and metrics.
func WithLabels(name, kind string) Option {
	return func(s *Supervisor) { s.name, s.kind = name, kind }
}

func New(ch transport.Channel, network netstatus.Signal, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		channel: ch,
		network: network,
		onReset: func() {},
		kind:    "unknown",
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	observability.ConnectionState.WithLabelValues(s.kind, string(s.state.status())).Inc()

	ch.OnFault(s.handleFault)
	return s
}

// Start performs the first connect. While the network is offline it only
// arms the supervisor; the connect happens when the signal turns online.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrProviderClosed
	}
	if s.unsubNet == nil && s.network != nil {
		s.unsubNet = s.network.Subscribe(s.onNetwork)
	}
	if s.network != nil && !s.network.Online() {
		st := s.setStateLocked(Disconnected)
		s.mu.Unlock()
		s.notify(st)
		return nil
	}
	s.mu.Unlock()

	return s.connect(ctx)
}

// Stop is terminal: no reconnect happens afterwards.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancelTimerLocked()
	s.gen++
	unsub := s.unsubNet
	s.unsubNet = nil
	st := s.setStateLocked(Disconnected)
	observability.ConnectionState.WithLabelValues(s.kind, string(domain.StatusDisconnected)).Dec()
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.cancel()
	err := s.channel.Close()
	s.notify(st)
	return err
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) OnStateChange(fn func(domain.ConnectionState)) func() {
	return s.observers.Add(fn)
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrProviderClosed
	}
	s.cancelTimerLocked()
	s.gen++
	gen := s.gen
	st := s.setStateLocked(Connecting)
	s.mu.Unlock()
	s.notify(st)

	// reset before the new subscription can deliver anything
	s.onReset()
	err := s.channel.Connect(ctx)

	s.mu.Lock()
	if gen != s.gen || s.stopped {
		// superseded by offline/stop while connecting
		teardown := err == nil && s.state == Disconnected
		s.mu.Unlock()
		if teardown {
			_ = s.channel.Close()
		}
		if err != nil {
			return err
		}
		return domain.ErrNotConnected
	}
	if err == nil {
		s.attempt = 0
		s.lastErr = nil
		st = s.setStateLocked(Connected)
		s.mu.Unlock()
		s.notify(st)
		observability.GetLogger(ctx).Info("supervisor: connected", zap.String("conversation", s.name))
		return nil
	}
	s.mu.Unlock()

	s.fault(err)
	return err
}

func (s *Supervisor) handleFault(err error) {
	s.mu.Lock()
	if s.stopped || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fault(err)
}

func (s *Supervisor) fault(err error) {
	log := observability.GetLogger(s.ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	states := []domain.ConnectionState{s.setStateLocked(Faulted)}

	switch {
	case !domain.IsRetryable(err):
		log.Warn("supervisor: non-retryable failure", zap.String("conversation", s.name), zap.Error(err))
		states = append(states, s.setStateLocked(Disconnected))
	case s.network != nil && !s.network.Online():
		log.Info("supervisor: offline, waiting for network", zap.String("conversation", s.name))
		states = append(states, s.setStateLocked(Disconnected))
	case s.attempt >= s.cfg.MaxReconnectAttempts:
		log.Warn("supervisor: reconnect budget exhausted",
			zap.String("conversation", s.name), zap.Int("attempts", s.attempt), zap.Error(err))
		states = append(states, s.setStateLocked(Disconnected))
	default:
		s.attempt++
		delay := s.cfg.Delay(s.attempt)
		gen := s.gen
		s.timer = s.clock.AfterFunc(delay, func() { s.retry(gen) })
		observability.ReconnectAttemptsTotal.WithLabelValues(s.kind).Inc()
		log.Info("supervisor: retry scheduled",
			zap.String("conversation", s.name), zap.Int("attempt", s.attempt),
			zap.Duration("delay", delay), zap.Error(err))
		states = []domain.ConnectionState{s.snapshotLocked()}
	}
	s.mu.Unlock()

	for _, st := range states {
		s.notify(st)
	}
}

func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped || s.state != Faulted {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	_ = s.connect(s.ctx)
}

func (s *Supervisor) onNetwork(online bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	if !online {
		if s.state == Disconnected || s.state == Idle {
			s.mu.Unlock()
			return
		}
		// not a failed attempt: attempt stays as is
		s.cancelTimerLocked()
		s.gen++
		st := s.setStateLocked(Disconnected)
		s.mu.Unlock()

		observability.GetLogger(s.ctx).Info("supervisor: network offline, channel closed", zap.String("conversation", s.name))
		_ = s.channel.Close()
		s.notify(st)
		return
	}

	if s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.attempt = 0
	s.cancelTimerLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(0, func() {
		s.mu.Lock()
		stale := gen != s.gen || s.stopped || s.state != Disconnected
		s.mu.Unlock()
		if !stale {
			_ = s.connect(s.ctx)
		}
	})
	s.mu.Unlock()
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) setStateLocked(next State) domain.ConnectionState {
	if next != s.state {
		observability.ConnectionState.WithLabelValues(s.kind, string(s.state.status())).Dec()
		observability.ConnectionState.WithLabelValues(s.kind, string(next.status())).Inc()
	}
	s.state = next
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() domain.ConnectionState {
	return domain.ConnectionState{Status: s.state.status(), Attempt: s.attempt, LastError: s.lastErr}
}

func (s *Supervisor) notify(st domain.ConnectionState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers.Emit(st)
}
