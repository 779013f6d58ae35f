package chatnet

import (
	"sync"

	"github.com/tripchat/realtime/internal/domain"
)

// Registry indexes live sessions by conversation and session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ConversationID] == nil {
		r.sessions[s.ConversationID] = make(map[string]*Session)
	}
	r.sessions[s.ConversationID][s.ID] = s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions, ok := r.sessions[s.ConversationID]; ok {
		// a late Remove from a replaced session must not evict its successor
		if current, ok := sessions[s.ID]; ok && current == s {
			delete(sessions, s.ID)
			if len(sessions) == 0 {
				delete(r.sessions, s.ConversationID)
			}
		}
	}
}

func (r *Registry) ConversationSessions(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Session
	for _, s := range r.sessions[conversationID] {
		result = append(result, s)
	}
	return result
}

// Broadcast queues ev on every session subscribed to its conversation and
// returns how many accepted it.
func (r *Registry) Broadcast(ev domain.Event) int {
	n := 0
	for _, s := range r.ConversationSessions(ev.Message.ConversationID) {
		if s.SendEvent(ev) {
			n++
		}
	}
	return n
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.sessions {
		n += len(sessions)
	}
	return n
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sessions := range r.sessions {
		for _, s := range sessions {
			s.Close()
		}
	}
}
