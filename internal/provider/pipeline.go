package provider

import (
	"context"
	"sync"
	"time"

	"github.com/tripchat/realtime/internal/batching"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/ordering"
	"github.com/tripchat/realtime/internal/supervisor"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
)

// Options are shared by every provider the factory builds.
type Options struct {
	Network    netstatus.Signal
	Supervisor supervisor.Config
	BatchDelay time.Duration
	Clock      clock.Clock
}

// pipeline is the component chain behind both providers:
// channel -> supervisor -> ordering queue -> batching dispatcher -> listeners.
type pipeline struct {
	kind    Kind
	conv    domain.Conversation
	channel transport.Channel
	sup     *supervisor.Supervisor

	// mu serializes inbound events with ordering resets
	mu    sync.Mutex
	order *ordering.Queue
	batch *batching.Dispatcher

	listeners    transport.Observers[[]domain.Event]
	unsubChannel func()

	lifeMu  sync.Mutex
	started bool
	closed  bool
}

func newPipeline(kind Kind, conv domain.Conversation, ch transport.Channel, opts Options) *pipeline {
	p := &pipeline{kind: kind, conv: conv, channel: ch}
	p.batch = batching.New(opts.Clock, opts.BatchDelay, p.listeners.Emit)
	p.order = ordering.New(func(ev domain.Event) { p.batch.Add(ev) })
	p.sup = supervisor.New(ch, opts.Network, opts.Supervisor,
		supervisor.WithClock(opts.Clock),
		supervisor.WithReset(p.reset),
		supervisor.WithLabels(conv.ID, kind.String()),
	)
	p.unsubChannel = ch.Subscribe(p.inbound)
	return p
}

func (p *pipeline) inbound(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order.Push(ev)
}

func (p *pipeline) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order.Reset()
}

// Connect starts the supervisor. Calling it again while started is a no-op.
func (p *pipeline) Connect(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.closed {
		return domain.ErrProviderClosed
	}
	if p.started {
		return nil
	}
	if err := p.sup.Start(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *pipeline) Disconnect() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// flush first: every event accepted so far reaches the listeners
	p.batch.Close()
	err := p.sup.Stop()
	p.unsubChannel()

	observability.GetLogger(context.Background()).Info("provider: disconnected",
		zap.String("conversation", p.conv.String()), zap.String("backend", p.kind.String()))
	return err
}

func (p *pipeline) isClosed() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.closed
}

func (p *pipeline) SendMessage(ctx context.Context, draft domain.Draft) (*domain.Message, error) {
	if p.isClosed() {
		return nil, domain.ErrProviderClosed
	}
	if draft.ConversationID == "" {
		draft.ConversationID = p.conv.ID
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := p.channel.Send(ctx, draft)
	observability.SendLatency.WithLabelValues(p.kind.String()).Observe(time.Since(start).Seconds())
	return msg, err
}

func (p *pipeline) EditMessage(ctx context.Context, messageID, body string, version int64) (*domain.Message, error) {
	if p.isClosed() {
		return nil, domain.ErrProviderClosed
	}
	return p.channel.Edit(ctx, messageID, body, version)
}

func (p *pipeline) DeleteMessage(ctx context.Context, messageID string) error {
	if p.isClosed() {
		return domain.ErrProviderClosed
	}
	return p.channel.Delete(ctx, messageID)
}

func (p *pipeline) GetMessages(ctx context.Context, limit int, before time.Time) ([]*domain.Message, error) {
	if p.isClosed() {
		return nil, domain.ErrProviderClosed
	}
	return p.channel.History(ctx, limit, before)
}

func (p *pipeline) OnMessage(fn func([]domain.Event)) func() {
	return p.listeners.Add(fn)
}

func (p *pipeline) OnStateChange(fn func(domain.ConnectionState)) func() {
	return p.sup.OnStateChange(fn)
}

func (p *pipeline) IsConnected() bool {
	return p.sup.State() == supervisor.Connected
}

func (p *pipeline) State() domain.ConnectionState {
	return p.sup.ConnectionState()
}

func (p *pipeline) Kind() Kind { return p.kind }

func (p *pipeline) Conversation() domain.Conversation { return p.conv }

// Flush delivers pending batched events now.
func (p *pipeline) Flush() { p.batch.Flush() }
