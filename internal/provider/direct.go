package provider

import (
	"context"

	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/store"
	"github.com/tripchat/realtime/internal/transport/storechannel"
)

// DirectStoreProvider keeps messages in the primary datastore and receives
// changes from its row-change feed. The store has no read cursors, so
// unread counts are always zero and MarkAsRead does nothing.
type DirectStoreProvider struct {
	*pipeline
}

var _ Provider = (*DirectStoreProvider)(nil)

func NewDirectStore(conv domain.Conversation, s store.Store, f store.Feed, opts Options) *DirectStoreProvider {
	ch := storechannel.New(conv.ID, s, f)
	return &DirectStoreProvider{pipeline: newPipeline(DirectStore, conv, ch, opts)}
}

func (p *DirectStoreProvider) GetUnreadCount(context.Context) (int, error) { return 0, nil }

func (p *DirectStoreProvider) MarkAsRead(context.Context, []string) error { return nil }
