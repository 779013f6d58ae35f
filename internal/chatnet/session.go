package chatnet

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

const (
	SendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

// Session is one subscriber socket. Events are numbered per socket,
// starting at 0, in the order they are queued.
type Session struct {
	ID             string
	UserID         string
	ConversationID string

	Conn      *websocket.Conn
	SendQueue chan []byte
	done      chan struct{}
	closed    atomic.Int32

	seqMu sync.Mutex
	seq   int64
}

func NewSession(id, userID, conversationID string, conn *websocket.Conn) *Session {
	return &Session{
		ID:             id,
		UserID:         userID,
		ConversationID: conversationID,
		Conn:           conn,
		SendQueue:      make(chan []byte, SendQueueSize),
		done:           make(chan struct{}),
	}
}

func (s *Session) Start() {
	go s.writeLoop()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendEvent stamps ev with the next socket sequence and queues it.
func (s *Session) SendEvent(ev domain.Event) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	ev.Sequence = s.seq
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger().Error("session: marshal event", zap.Error(err))
		return false
	}
	if !s.TrySend(payload) {
		return false
	}
	s.seq++
	return true
}

func (s *Session) TrySend(msg []byte) bool {
	if s.closed.Load() == 1 {
		return false
	}
	select {
	case s.SendQueue <- msg:
		return true
	default:
		s.logger().Warn("session: backpressure overflow, dropping connection")
		s.CloseWithReason(websocket.CloseInternalServerErr, "backpressure overflow")
		return false
	}
}

func (s *Session) Close() {
	s.CloseWithReason(websocket.CloseNormalClosure, "server closing")
}

func (s *Session) CloseWithReason(code int, reason string) {
	if !s.closed.CompareAndSwap(0, 1) {
		return
	}

	s.logger().Info("session: closing", zap.Int("code", code), zap.String("reason", reason))
	close(s.done)

	if s.Conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.Conn.Close()
	}
}

func (s *Session) logger() *zap.Logger {
	return observability.GetLogger(context.Background()).With(
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("conversation_id", s.ConversationID),
	)
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.SendQueue:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger().Warn("session: write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger().Warn("session: ping error", zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}
