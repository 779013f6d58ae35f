// Package provider exposes one messaging capability interface over two
// interchangeable backends and caches one instance per conversation.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tripchat/realtime/internal/domain"
)

// Kind is the closed set of provider backends.
type Kind int

const (
	DirectStore Kind = iota
	NetworkBacked
)

func (k Kind) String() string {
	switch k {
	case DirectStore:
		return "direct"
	case NetworkBacked:
		return "network"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "direct":
		return DirectStore, nil
	case "network":
		return NetworkBacked, nil
	}
	return 0, fmt.Errorf("provider: unknown backend %q", s)
}

// Provider is the messaging capability a conversation is used through.
// Backend errors are returned untranslated; callers choose retry policy.
type Provider interface {
	Connect(ctx context.Context) error
	// Disconnect is terminal. It flushes pending batched events to the
	// listeners and cancels any scheduled reconnect.
	Disconnect() error
	SendMessage(ctx context.Context, draft domain.Draft) (*domain.Message, error)
	EditMessage(ctx context.Context, messageID, body string, version int64) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	// OnMessage registers a listener for batches of ordered inbound events.
	OnMessage(fn func([]domain.Event)) (unsubscribe func())
	OnStateChange(fn func(domain.ConnectionState)) (unsubscribe func())
	GetMessages(ctx context.Context, limit int, before time.Time) ([]*domain.Message, error)
	GetUnreadCount(ctx context.Context) (int, error)
	MarkAsRead(ctx context.Context, messageIDs []string) error
	IsConnected() bool
	State() domain.ConnectionState
	Kind() Kind
	Conversation() domain.Conversation
}
