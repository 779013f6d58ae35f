// Package store is the primary-datastore contract behind the direct-store
// provider: message rows plus a row-change feed.
package store

import (
	"context"
	"time"

	"github.com/tripchat/realtime/internal/domain"
)

type Store interface {
	// Insert persists a draft; the store assigns ID, CreatedAt and Version.
	Insert(ctx context.Context, draft domain.Draft) (*domain.Message, error)
	Update(ctx context.Context, conversationID, messageID, body string, version int64) (*domain.Message, error)
	// SoftDelete marks the row deleted. Deleting a deleted row is a no-op.
	SoftDelete(ctx context.Context, conversationID, messageID string) (*domain.Message, error)
	Get(ctx context.Context, messageID string) (*domain.Message, error)
	// List returns up to limit live messages created strictly before before
	// (zero means now), oldest first.
	List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*domain.Message, error)
}

// Change is one row-change notification.
type Change struct {
	Type    domain.EventType
	Message *domain.Message
}

type Subscription interface {
	Close() error
}

// Feed delivers row changes for one conversation in commit order. onFault
// is called at most once if the feed loses its connection.
type Feed interface {
	Listen(ctx context.Context, conversationID string, onChange func(Change), onFault func(error)) (Subscription, error)
}

// Reverse flips a newest-first page into oldest-first order.
func Reverse(msgs []*domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
