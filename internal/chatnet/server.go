package chatnet

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

const serviceName = "chatnet"

type Server struct {
	rooms    *Rooms
	registry *Registry
	clock    clock.Clock

	mu    sync.RWMutex
	users map[string]domain.User
}

func NewServer(c clock.Clock) *Server {
	return &Server{
		rooms:    NewRooms(),
		registry: NewRegistry(),
		clock:    clock.OrReal(c),
		users:    make(map[string]domain.User),
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Rooms() *Rooms { return s.rooms }

func (s *Server) user(id string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// ConnectUser POST /v1/users/connect
func (s *Server) ConnectUser(w http.ResponseWriter, r *http.Request) {
	var u domain.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid json")
		return
	}
	sub := UserID(r.Context())
	if u.ID == "" {
		u.ID = sub
	}
	if u.ID != sub {
		WriteError(w, http.StatusForbidden, CodeForbidden, "token does not match user")
		return
	}

	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()

	observability.GetLogger(r.Context()).Info("chatnet: user connected", zap.String("user_id", u.ID))
	WriteJSON(w, http.StatusOK, u)
}

// connectedUser resolves the caller, who must have connected first.
func (s *Server) connectedUser(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	u, ok := s.user(UserID(r.Context()))
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "user not connected")
	}
	return u, ok
}

// SendMessage POST /v1/conversations/{id}/messages
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	u, ok := s.connectedUser(w, r)
	if !ok {
		return
	}
	var draft domain.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid json")
		return
	}

	room := s.rooms.Get(chi.URLParam(r, "id"))
	room.publishMu.Lock()
	defer room.publishMu.Unlock()

	msg, err := room.Post(u, draft, s.clock.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.registry.Broadcast(domain.Event{Type: domain.EventMessageCreated, Message: msg})
	WriteJSON(w, http.StatusCreated, msg)
}

// EditMessage PATCH /v1/conversations/{id}/messages/{mid}
func (s *Server) EditMessage(w http.ResponseWriter, r *http.Request) {
	u, ok := s.connectedUser(w, r)
	if !ok {
		return
	}
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid json")
		return
	}

	room := s.rooms.Get(chi.URLParam(r, "id"))
	room.publishMu.Lock()
	defer room.publishMu.Unlock()

	msg, err := room.Edit(u.ID, chi.URLParam(r, "mid"), req.Body, req.Version, s.clock.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.registry.Broadcast(domain.Event{Type: domain.EventMessageUpdated, Message: msg})
	WriteJSON(w, http.StatusOK, msg)
}

// DeleteMessage DELETE /v1/conversations/{id}/messages/{mid}
func (s *Server) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	u, ok := s.connectedUser(w, r)
	if !ok {
		return
	}

	room := s.rooms.Get(chi.URLParam(r, "id"))
	room.publishMu.Lock()
	defer room.publishMu.Unlock()

	msg, changed, err := room.Delete(u.ID, chi.URLParam(r, "mid"), s.clock.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if changed {
		s.registry.Broadcast(domain.Event{Type: domain.EventMessageDeleted, Message: msg})
	}
	w.WriteHeader(http.StatusNoContent)
}

// History GET /v1/conversations/{id}/messages?limit=&before=
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid limit")
			return
		}
		limit = n
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid before")
			return
		}
		before = t
	}

	msgs := s.rooms.Get(chi.URLParam(r, "id")).History(limit, before)
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	WriteJSON(w, http.StatusOK, msgs)
}

// Unread GET /v1/conversations/{id}/unread
func (s *Server) Unread(w http.ResponseWriter, r *http.Request) {
	n := s.rooms.Get(chi.URLParam(r, "id")).Unread(UserID(r.Context()))
	WriteJSON(w, http.StatusOK, UnreadResponse{Count: n})
}

// MarkRead POST /v1/conversations/{id}/read
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid json")
		return
	}
	s.rooms.Get(chi.URLParam(r, "id")).MarkRead(UserID(r.Context()), req.MessageIDs)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscribe GET /ws?conversation_id=
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "missing conversation_id")
		return
	}
	userID := UserID(r.Context())

	log := observability.GetLogger(r.Context())

	// register before the upgrade completes so nothing published after the
	// client sees the handshake is missed; the queue buffers until Start
	session := NewSession(uuid.NewString(), userID, convID, nil)
	room := s.rooms.Get(convID)
	room.publishMu.Lock()
	s.registry.Add(session)
	room.publishMu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Remove(session)
		log.Error("upgrade error", zap.Error(err))
		return
	}
	session.Conn = conn

	session.Start()
	log.Info("connected", zap.String("user_id", userID), zap.String("conversation_id", convID))
	observability.WebSocketConnectionsTotal.WithLabelValues(serviceName).Inc()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop(session)
}

func (s *Server) readLoop(sess *Session) {
	defer func() {
		s.registry.Remove(sess)
		sess.Close()
		observability.WebSocketConnectionsTotal.WithLabelValues(serviceName).Dec()
	}()

	for {
		if _, _, err := sess.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				sess.logger().Warn("read loop error", zap.Error(err))
			}
			return
		}
	}
}

// Shutdown closes every live socket.
func (s *Server) Shutdown() {
	s.registry.CloseAll()
}
