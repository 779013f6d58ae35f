// Package transport defines the duplex subscription to one conversation's
// event stream that every provider backend implements.
package transport

import (
	"context"
	"time"

	"github.com/tripchat/realtime/internal/domain"
)

// Channel is one live subscription to a single conversation.
//
// Connect is idempotent: connecting an already connected channel tears the
// previous subscription down first, and nothing from it is emitted after
// the new one starts. Send, Edit, Delete and History fail with
// domain.ErrNotConnected until Connect succeeds. A mid-session link failure
// is reported once through the OnFault sink as a *domain.TransportFault.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, draft domain.Draft) (*domain.Message, error)
	Edit(ctx context.Context, messageID, body string, version int64) (*domain.Message, error)
	Delete(ctx context.Context, messageID string) error
	Subscribe(fn func(domain.Event)) (unsubscribe func())
	// History returns up to limit messages created strictly before before
	// (zero means now), oldest first, without deleted messages.
	History(ctx context.Context, limit int, before time.Time) ([]*domain.Message, error)
	OnFault(fn func(error))
	Close() error
}
