// Package storechannel is the transport channel over the primary datastore
// and its row-change feed.
package storechannel

import (
	"context"
	"sync"
	"time"

	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/store"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
)

type Channel struct {
	conversationID string
	store          store.Store
	feed           store.Feed

	observers transport.Observers[domain.Event]
	// emitMu is held across a generation check and its emit, so nothing
	// from a replaced subscription is delivered once Connect or Close returns.
	emitMu sync.Mutex

	mu      sync.Mutex
	sub     store.Subscription
	gen     uint64
	seq     int64
	onFault func(error)
}

var _ transport.Channel = (*Channel)(nil)

func New(conversationID string, s store.Store, f store.Feed) *Channel {
	return &Channel{conversationID: conversationID, store: s, feed: f}
}

func (c *Channel) Connect(ctx context.Context) error {
	c.emitMu.Lock()
	c.mu.Lock()
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.seq = 0
	c.mu.Unlock()
	c.emitMu.Unlock()

	sub, err := c.feed.Listen(ctx, c.conversationID,
		func(ch store.Change) { c.deliver(gen, ch) },
		func(err error) { c.fault(gen, err) },
	)
	if err != nil {
		return domain.NewTransportFault("listen", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = sub.Close()
		return domain.ErrNotConnected
	}
	c.sub = sub
	c.mu.Unlock()
	observability.GetLogger(ctx).Debug("storechannel: subscribed", zap.String("conversation_id", c.conversationID))
	return nil
}

func (c *Channel) Send(ctx context.Context, draft domain.Draft) (*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	draft.ConversationID = c.conversationID
	return c.store.Insert(ctx, draft)
}

func (c *Channel) Edit(ctx context.Context, messageID, body string, version int64) (*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	return c.store.Update(ctx, c.conversationID, messageID, body, version)
}

func (c *Channel) Delete(ctx context.Context, messageID string) error {
	if !c.connected() {
		return domain.ErrNotConnected
	}
	_, err := c.store.SoftDelete(ctx, c.conversationID, messageID)
	return err
}

func (c *Channel) History(ctx context.Context, limit int, before time.Time) ([]*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	return c.store.List(ctx, c.conversationID, limit, before)
}

func (c *Channel) Subscribe(fn func(domain.Event)) func() {
	return c.observers.Add(fn)
}

func (c *Channel) OnFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.gen++
	return nil
}

func (c *Channel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *Channel) teardownLocked() {
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
}

// deliver numbers changes in arrival order for the current subscription
// and drops anything from an older one.
func (c *Channel) deliver(gen uint64, ch store.Change) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ev := domain.Event{Type: ch.Type, Sequence: c.seq, Message: ch.Message}
	c.seq++
	c.mu.Unlock()

	c.observers.Emit(ev)
}

func (c *Channel) fault(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	c.gen++
	sink := c.onFault
	c.mu.Unlock()

	if sink != nil {
		sink(domain.NewTransportFault("feed", err))
	}
}
