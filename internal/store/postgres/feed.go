package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/store"
	"go.uber.org/zap"
)

// Feed multiplexes one LISTEN connection across every conversation
// subscription in the process.
type Feed struct {
	repo     *Repository
	listener *pq.Listener

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*feedSub
}

type feedSub struct {
	id       int
	convID   string
	onChange func(store.Change)
	onFault  func(error)
	feed     *Feed
	once     sync.Once
}

type notification struct {
	Op             string `json:"op"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Deleted        bool   `json:"deleted"`
}

func NewFeed(dsn string, repo *Repository) (*Feed, error) {
	f := &Feed{
		repo: repo,
		subs: make(map[string]map[int]*feedSub),
	}
	f.listener = pq.NewListener(dsn, time.Second, 30*time.Second, f.onListenerEvent)
	if err := f.listener.Listen(NotifyChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("postgres: listen %s: %w", NotifyChannel, err)
	}
	return f, nil
}

// Start pumps notifications until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	go func() {
		log := observability.GetLogger(ctx)
		log.Info("feed: listening", zap.String("channel", NotifyChannel))
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("feed: stopping: context canceled")
				return
			case n, ok := <-f.listener.Notify:
				if !ok {
					f.faultAll(domain.NewTransportFault("listen", fmt.Errorf("notify channel closed")))
					return
				}
				if n == nil {
					// reconnected; notifications may have been missed
					f.faultAll(domain.NewTransportFault("listen", fmt.Errorf("listener reconnected")))
					continue
				}
				f.handle(ctx, n.Extra)
			case <-ping.C:
				if err := f.listener.Ping(); err != nil {
					log.Warn("feed: ping failed", zap.Error(err))
				}
			}
		}
	}()
}

func (f *Feed) Listen(ctx context.Context, conversationID string, onChange func(store.Change), onFault func(error)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &feedSub{id: f.nextID, convID: conversationID, onChange: onChange, onFault: onFault, feed: f}
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[int]*feedSub)
	}
	f.subs[conversationID][sub.id] = sub
	return sub, nil
}

func (f *Feed) Close() error {
	return f.listener.Close()
}

func (f *Feed) handle(ctx context.Context, payload string) {
	log := observability.GetLogger(ctx)

	n, err := parseNotification(payload)
	if err != nil {
		log.Error("feed: bad notification payload", zap.String("payload", payload), zap.Error(err))
		return
	}

	subs := f.subscribers(n.ConversationID)
	if len(subs) == 0 {
		return
	}

	msg, err := f.repo.Get(ctx, n.ID)
	if err != nil {
		log.Error("feed: fetch changed row", zap.String("message_id", n.ID), zap.Error(err))
		return
	}

	change := store.Change{Type: n.eventType(), Message: msg}
	for _, sub := range subs {
		sub.onChange(change)
	}
}

func (f *Feed) subscribers(convID string) []*feedSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*feedSub, 0, len(f.subs[convID]))
	for _, s := range f.subs[convID] {
		out = append(out, s)
	}
	return out
}

func (f *Feed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		observability.GetLogger(context.Background()).Warn("feed: listener connection lost", zap.Error(err))
		f.faultAll(domain.NewTransportFault("listen", err))
	}
}

func (f *Feed) faultAll(fault error) {
	f.mu.Lock()
	all := f.subs
	f.subs = make(map[string]map[int]*feedSub)
	f.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			if s.onFault != nil {
				s.onFault(fault)
			}
		}
	}
}

func (s *feedSub) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		if subs := s.feed.subs[s.convID]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.feed.subs, s.convID)
			}
		}
	})
	return nil
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, err
	}
	if n.ID == "" || n.ConversationID == "" {
		return n, fmt.Errorf("missing id or conversation_id")
	}
	return n, nil
}

func (n notification) eventType() domain.EventType {
	switch {
	case n.Deleted:
		return domain.EventMessageDeleted
	case n.Op == "INSERT":
		return domain.EventMessageCreated
	default:
		return domain.EventMessageUpdated
	}
}
