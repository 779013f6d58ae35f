// Package memory is an in-process Store and Feed used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/store"
)

type Store struct {
	clock clock.Clock

	// writeMu spans a mutation and its notification so the feed sees
	// changes in commit order.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	messages map[string]*domain.Message
	byConv   map[string][]*domain.Message
	lastAt   time.Time

	subMu     sync.Mutex
	nextSub   int
	subs      map[string]map[int]*subscription
	listenErr error
}

type subscription struct {
	id       int
	convID   string
	onChange func(store.Change)
	onFault  func(error)
	st       *Store
	once     sync.Once
}

func New(c clock.Clock) *Store {
	return &Store{
		clock:    clock.OrReal(c),
		messages: make(map[string]*domain.Message),
		byConv:   make(map[string][]*domain.Message),
		subs:     make(map[string]map[int]*subscription),
	}
}

func (s *Store) Insert(ctx context.Context, draft domain.Draft) (*domain.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	// keep created_at strictly increasing so before-cursors never tie
	if !now.After(s.lastAt) {
		now = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = now

	msg := &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    draft.ConversationID,
		SenderID:          draft.SenderID,
		SenderDisplayName: draft.SenderDisplayName,
		Body:              draft.Body,
		Attachments:       append([]domain.Attachment(nil), draft.Attachments...),
		CreatedAt:         now,
		Version:           1,
	}
	s.messages[msg.ID] = msg
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg)
	out := clone(msg)
	s.mu.Unlock()

	s.publish(domain.EventMessageCreated, out)
	return clone(out), nil
}

func (s *Store) Update(ctx context.Context, conversationID, messageID, body string, version int64) (*domain.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		s.mu.Unlock()
		return nil, domain.ErrMessageNotFound
	}
	if err := msg.Edit(body, version, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := clone(msg)
	s.mu.Unlock()

	s.publish(domain.EventMessageUpdated, out)
	return clone(out), nil
}

func (s *Store) SoftDelete(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		s.mu.Unlock()
		return nil, domain.ErrMessageNotFound
	}
	changed := msg.MarkDeleted(s.clock.Now())
	out := clone(msg)
	s.mu.Unlock()

	if changed {
		s.publish(domain.EventMessageDeleted, out)
	}
	return clone(out), nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return clone(msg), nil
}

func (s *Store) List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byConv[conversationID]
	// rows are appended in created_at order
	end := len(all)
	if !before.IsZero() {
		end = sort.Search(len(all), func(i int) bool { return !all[i].CreatedAt.Before(before) })
	}

	var page []*domain.Message
	for i := end - 1; i >= 0 && (limit <= 0 || len(page) < limit); i-- {
		if all[i].IsDeleted {
			continue
		}
		page = append(page, clone(all[i]))
	}
	store.Reverse(page)
	return page, nil
}

// Listen subscribes to changes of one conversation.
func (s *Store) Listen(ctx context.Context, conversationID string, onChange func(store.Change), onFault func(error)) (store.Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if err := s.listenErr; err != nil {
		s.listenErr = nil
		return nil, err
	}

	s.nextSub++
	sub := &subscription{id: s.nextSub, convID: conversationID, onChange: onChange, onFault: onFault, st: s}
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int]*subscription)
	}
	s.subs[conversationID][sub.id] = sub
	return sub, nil
}

// FailNextListen makes the next Listen call return err.
func (s *Store) FailNextListen(err error) {
	s.subMu.Lock()
	s.listenErr = err
	s.subMu.Unlock()
}

// Disrupt drops every live subscription of conversationID, reporting err
// through their fault sinks as a lost connection would.
func (s *Store) Disrupt(conversationID string, err error) {
	s.subMu.Lock()
	subs := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.subMu.Unlock()

	for _, sub := range subs {
		if sub.onFault != nil {
			sub.onFault(err)
		}
	}
}

// Subscribers reports live subscriptions for conversationID.
func (s *Store) Subscribers(conversationID string) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs[conversationID])
}

func (s *Store) publish(t domain.EventType, msg *domain.Message) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs[msg.ConversationID]))
	for _, sub := range s.subs[msg.ConversationID] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, sub := range subs {
		sub.onChange(store.Change{Type: t, Message: clone(msg)})
	}
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.st.subMu.Lock()
		defer sub.st.subMu.Unlock()
		if subs := sub.st.subs[sub.convID]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(sub.st.subs, sub.convID)
			}
		}
	})
	return nil
}

func clone(m *domain.Message) *domain.Message {
	c := *m
	c.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
