// Package messenger is the entry point the UI talks to. It picks the
// provider for a conversation, enforces send quotas, retries transient
// failures and parks mutations in the offline queue while the network is
// down.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/notify"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/offline"
	"github.com/tripchat/realtime/internal/provider"
	"github.com/tripchat/realtime/internal/ratelimit"
	"github.com/tripchat/realtime/internal/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Config struct {
	User domain.User

	// at most RateLimit mutations per conversation and operation per window
	RateLimit  int
	RateWindow time.Duration

	Retry              retry.Policy
	OfflineMaxAttempts int
	// ConnectWait bounds how long an operation waits for a reconnecting
	// provider before it counts as a transient failure.
	ConnectWait time.Duration
	// ReplayDelay is how long an operation queued after a transient
	// failure waits before it is replayed.
	ReplayDelay time.Duration
	// CloseTimeout bounds the wait for a running drain on Shutdown.
	CloseTimeout time.Duration
}

func DefaultConfig(user domain.User) Config {
	return Config{
		User:               user,
		RateLimit:          30,
		RateWindow:         time.Minute,
		Retry:              retry.DefaultPolicy(),
		OfflineMaxAttempts: offline.DefaultMaxAttempts,
		ConnectWait:        5 * time.Second,
		ReplayDelay:        5 * time.Second,
		CloseTimeout:       5 * time.Second,
	}
}

// Receipt reports what happened to a mutation. Queued receipts carry the
// offline operation id instead of a message.
type Receipt struct {
	Queued      bool
	OperationID string
	Message     *domain.Message
}

type Messenger struct {
	cfg      Config
	factory  *provider.Factory
	limiter  ratelimit.Limiter
	notifier notify.Notifier
	network  netstatus.Signal
	queue    *offline.Queue
}

func New(cfg Config, factory *provider.Factory, limiter ratelimit.Limiter, journal offline.Journal,
	notifier notify.Notifier, network netstatus.Signal) *Messenger {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	m := &Messenger{
		cfg:      cfg,
		factory:  factory,
		limiter:  limiter,
		notifier: notifier,
		network:  network,
	}
	m.queue = offline.New(journal, m.replay,
		offline.WithMaxAttempts(cfg.OfflineMaxAttempts),
		offline.WithNetwork(network),
	)
	m.queue.OnFailed(func(f offline.Failure) {
		observability.GetLogger(context.Background()).Warn("messenger: queued operation dropped",
			zap.String("op_id", f.Op.ID), zap.String("kind", string(f.Op.Kind)), zap.Error(f.Err))
	})
	if network != nil {
		m.queue.Watch(network)
	}
	return m
}

// Open returns the connected provider for conv, creating it on first use.
func (m *Messenger) Open(ctx context.Context, conv domain.Conversation) (provider.Provider, error) {
	return m.factory.GetProvider(ctx, conv.ID, conv.Kind)
}

// Subscribe opens conv and registers fn for its inbound batches.
func (m *Messenger) Subscribe(ctx context.Context, conv domain.Conversation, fn func([]domain.Event)) (func(), error) {
	p, err := m.Open(ctx, conv)
	if err != nil {
		return nil, err
	}
	return p.OnMessage(fn), nil
}

// Close releases the provider of conv. Queued operations for it stay queued.
func (m *Messenger) Close(conv domain.Conversation) error {
	return m.factory.ReleaseProvider(conv.ID, conv.Kind)
}

// Shutdown stops replay, releases every provider and closes the notifier.
func (m *Messenger) Shutdown() error {
	return errors.Join(
		m.queue.Close(m.cfg.CloseTimeout),
		m.factory.ReleaseAll(),
		m.notifier.Close(),
	)
}

// OnFailed registers fn for queued operations that were given up on.
func (m *Messenger) OnFailed(fn func(offline.Failure)) func() { return m.queue.OnFailed(fn) }

func (m *Messenger) Pending() ([]offline.Operation, error) { return m.queue.Pending() }

// Drain replays queued operations now.
func (m *Messenger) Drain(ctx context.Context) (int, error) { return m.queue.Drain(ctx) }

func (m *Messenger) Send(ctx context.Context, conv domain.Conversation, draft domain.Draft) (Receipt, error) {
	ctx, span := m.start(ctx, "messenger.Send", conv)
	defer span.End()

	draft.ConversationID = conv.ID
	if draft.SenderID == "" {
		draft.SenderID = m.cfg.User.ID
		draft.SenderDisplayName = m.cfg.User.DisplayName
	}
	if err := draft.Validate(); err != nil {
		return Receipt{}, fail(span, err)
	}

	r, err := m.mutate(ctx, conv, offline.SendOp(conv, draft), func(p provider.Provider) (*domain.Message, error) {
		return p.SendMessage(ctx, draft)
	})
	if err != nil {
		return r, fail(span, err)
	}
	if r.Message != nil {
		m.notifySent(ctx, r.Message)
	}
	return r, nil
}

func (m *Messenger) Edit(ctx context.Context, conv domain.Conversation, messageID, body string, version int64) (Receipt, error) {
	ctx, span := m.start(ctx, "messenger.Edit", conv)
	defer span.End()

	r, err := m.mutate(ctx, conv, offline.EditOp(conv, messageID, body, version), func(p provider.Provider) (*domain.Message, error) {
		return p.EditMessage(ctx, messageID, body, version)
	})
	return r, fail(span, err)
}

func (m *Messenger) Delete(ctx context.Context, conv domain.Conversation, messageID string) (Receipt, error) {
	ctx, span := m.start(ctx, "messenger.Delete", conv)
	defer span.End()

	r, err := m.mutate(ctx, conv, offline.DeleteOp(conv, messageID), func(p provider.Provider) (*domain.Message, error) {
		return nil, p.DeleteMessage(ctx, messageID)
	})
	return r, fail(span, err)
}

func (m *Messenger) History(ctx context.Context, conv domain.Conversation, limit int, before time.Time) ([]*domain.Message, error) {
	ctx, span := m.start(ctx, "messenger.History", conv)
	defer span.End()

	p, err := m.Open(ctx, conv)
	if err != nil {
		return nil, fail(span, err)
	}
	msgs, err := p.GetMessages(ctx, limit, before)
	return msgs, fail(span, err)
}

func (m *Messenger) Unread(ctx context.Context, conv domain.Conversation) (int, error) {
	p, err := m.Open(ctx, conv)
	if err != nil {
		return 0, err
	}
	return p.GetUnreadCount(ctx)
}

func (m *Messenger) MarkRead(ctx context.Context, conv domain.Conversation, messageIDs []string) error {
	p, err := m.Open(ctx, conv)
	if err != nil {
		return err
	}
	return p.MarkAsRead(ctx, messageIDs)
}

// mutate runs the shared path of send, edit and delete: quota, then the
// offline queue when the network is down or earlier operations are still
// queued, then the provider call under retry. A transient failure that
// outlives its retries is queued and replayed after ReplayDelay.
func (m *Messenger) mutate(ctx context.Context, conv domain.Conversation, op offline.Operation,
	call func(p provider.Provider) (*domain.Message, error)) (Receipt, error) {
	if err := m.allow(ctx, string(op.Kind), conv); err != nil {
		return Receipt{}, err
	}
	if m.network != nil && !m.network.Online() {
		return m.enqueue(ctx, op)
	}
	if m.queue.Len() > 0 {
		// stay behind what is already queued
		r, err := m.enqueue(ctx, op)
		if err == nil {
			m.queue.Schedule(0)
		}
		return r, err
	}

	msg, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) (*domain.Message, error) {
		p, err := m.ready(ctx, conv)
		if err != nil {
			return nil, err
		}
		return call(p)
	})
	switch {
	case err == nil:
		return Receipt{Message: msg}, nil
	case domain.IsRetryable(err) && ctx.Err() == nil:
		observability.GetLogger(ctx).Warn("messenger: queueing after transient failure",
			zap.String("conversation", conv.String()), zap.String("kind", string(op.Kind)), zap.Error(err))
		r, err := m.enqueue(ctx, op)
		if err == nil {
			m.queue.Schedule(m.cfg.ReplayDelay)
		}
		return r, err
	}
	return Receipt{}, err
}

func (m *Messenger) allow(ctx context.Context, operation string, conv domain.Conversation) error {
	if m.limiter == nil {
		return nil
	}
	ok, err := m.limiter.CheckLimit(ctx, operation+":"+conv.ID, m.cfg.RateLimit, m.cfg.RateWindow)
	if err != nil {
		// the limiter is advisory: a broken backend must not block chat
		observability.GetLogger(ctx).Warn("messenger: rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !ok {
		observability.RateLimitedTotal.WithLabelValues(operation).Inc()
		return domain.ErrQuotaExceeded
	}
	return nil
}

func (m *Messenger) enqueue(ctx context.Context, op offline.Operation) (Receipt, error) {
	queued, err := m.queue.Enqueue(ctx, op)
	if err != nil {
		return Receipt{}, fmt.Errorf("messenger: queue %s: %w", op.Kind, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("messenger.queued", true))
	return Receipt{Queued: true, OperationID: queued.ID}, nil
}

// replay is the offline queue's executor.
func (m *Messenger) replay(ctx context.Context, op offline.Operation) error {
	p, err := m.ready(ctx, op.Conversation())
	if err != nil {
		return err
	}
	switch op.Kind {
	case offline.OpSend:
		if op.Draft == nil {
			return domain.ErrInvalidMessage
		}
		msg, err := p.SendMessage(ctx, *op.Draft)
		if err == nil {
			m.notifySent(ctx, msg)
		}
		return err
	case offline.OpEdit:
		_, err := p.EditMessage(ctx, op.MessageID, op.Body, op.Version)
		return err
	case offline.OpDelete:
		return p.DeleteMessage(ctx, op.MessageID)
	}
	return fmt.Errorf("messenger: unknown operation kind %q", op.Kind)
}

// ready returns the provider of conv once it is connected. A provider that
// stays down past ConnectWait is reported as a transport fault so callers
// retry or queue instead of giving up.
func (m *Messenger) ready(ctx context.Context, conv domain.Conversation) (provider.Provider, error) {
	p, err := m.factory.GetProvider(ctx, conv.ID, conv.Kind)
	if err != nil {
		return nil, err
	}
	if err := awaitConnected(ctx, p, m.cfg.ConnectWait); err != nil {
		return nil, err
	}
	return p, nil
}

func awaitConnected(ctx context.Context, p provider.Provider, wait time.Duration) error {
	if p.IsConnected() {
		return nil
	}
	ready := make(chan struct{}, 1)
	unsub := p.OnStateChange(func(st domain.ConnectionState) {
		if st.Connected() {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()
	if p.IsConnected() {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s not connected after %s", domain.ErrTransportFault, p.Conversation(), wait)
	}
}

func (m *Messenger) notifySent(ctx context.Context, msg *domain.Message) {
	if err := m.notifier.MessageSent(ctx, msg); err != nil {
		observability.GetLogger(ctx).Warn("messenger: notifier failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (m *Messenger) start(ctx context.Context, name string, conv domain.Conversation) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("conversation.id", conv.ID),
		attribute.String("conversation.kind", string(conv.Kind)),
	}
	if backend, ok := m.factory.Backend(conv.Kind); ok {
		attrs = append(attrs, attribute.String("provider.backend", backend.String()))
	}
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
