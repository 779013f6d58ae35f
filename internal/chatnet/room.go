package chatnet

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tripchat/realtime/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Room is one conversation's state: messages in creation order, and for
// every user the set of messages they have read.
type Room struct {
	ID string

	// publishMu spans a mutation and its broadcast so sockets see changes
	// in commit order.
	publishMu sync.Mutex

	mu       sync.Mutex
	messages []*domain.Message
	byID     map[string]*domain.Message
	read     map[string]map[string]struct{}
	lastAt   time.Time
}

func newRoom(id string) *Room {
	return &Room{
		ID:   id,
		byID: make(map[string]*domain.Message),
		read: make(map[string]map[string]struct{}),
	}
}

func (r *Room) Post(sender domain.User, draft domain.Draft, now time.Time) (*domain.Message, error) {
	draft.ConversationID = r.ID
	draft.SenderID = sender.ID
	if draft.SenderDisplayName == "" {
		draft.SenderDisplayName = sender.DisplayName
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !now.After(r.lastAt) {
		now = r.lastAt.Add(time.Microsecond)
	}
	r.lastAt = now

	msg := &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    r.ID,
		SenderID:          draft.SenderID,
		SenderDisplayName: draft.SenderDisplayName,
		Body:              draft.Body,
		Attachments:       append([]domain.Attachment(nil), draft.Attachments...),
		CreatedAt:         now,
		Version:           1,
	}
	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = msg
	r.markReadLocked(sender.ID, msg.ID)
	return copyMessage(msg), nil
}

// Edit changes a message body. Only its author may edit it.
func (r *Room) Edit(userID, messageID, body string, version int64, now time.Time) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return nil, domain.ErrAuthentication
	}
	if err := msg.Edit(body, version, now); err != nil {
		return nil, err
	}
	return copyMessage(msg), nil
}

// Delete soft-deletes a message. The second return is false when it was
// already deleted.
func (r *Room) Delete(userID, messageID string, now time.Time) (*domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return nil, false, domain.ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return nil, false, domain.ErrAuthentication
	}
	changed := msg.MarkDeleted(now)
	return copyMessage(msg), changed, nil
}

// History returns up to limit live messages created strictly before
// before, oldest first. A zero before means now.
func (r *Room) History(limit int, before time.Time) []*domain.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := len(r.messages)
	if !before.IsZero() {
		end = sort.Search(len(r.messages), func(i int) bool {
			return !r.messages[i].CreatedAt.Before(before)
		})
	}

	var out []*domain.Message
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		if m := r.messages[i]; !m.IsDeleted {
			out = append(out, copyMessage(m))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Unread counts live messages from other users that userID has not read.
func (r *Room) Unread(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := r.read[userID]
	n := 0
	for _, m := range r.messages {
		if m.IsDeleted || m.SenderID == userID {
			continue
		}
		if _, ok := seen[m.ID]; !ok {
			n++
		}
	}
	return n
}

// MarkRead records ids as read by userID. Unknown ids are ignored.
func (r *Room) MarkRead(userID string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := r.byID[id]; ok {
			r.markReadLocked(userID, id)
		}
	}
}

func (r *Room) markReadLocked(userID, messageID string) {
	set := r.read[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.read[userID] = set
	}
	set[messageID] = struct{}{}
}

func copyMessage(m *domain.Message) *domain.Message {
	c := *m
	c.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	return &c
}

// Rooms creates rooms on first use.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*Room)}
}

func (rs *Rooms) Get(id string) *Room {
	rs.mu.RLock()
	r, ok := rs.rooms[id]
	rs.mu.RUnlock()
	if ok {
		return r
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.rooms[id]; ok {
		return r
	}
	r = newRoom(id)
	rs.rooms[id] = r
	return r
}
