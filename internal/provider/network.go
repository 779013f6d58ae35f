package provider

import (
	"context"
	"fmt"

	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/transport/wschannel"
)

// NetworkProvider delegates to a chat network. It establishes the
// connected-user session before opening the conversation channel; unread
// counts and read markers are the network's own.
type NetworkProvider struct {
	*pipeline
	ch   *wschannel.Channel
	user domain.User
}

var _ Provider = (*NetworkProvider)(nil)

func NewNetwork(conv domain.Conversation, user domain.User, cfg wschannel.Config, opts Options) *NetworkProvider {
	ch := wschannel.New(conv.ID, cfg)
	return &NetworkProvider{
		pipeline: newPipeline(NetworkBacked, conv, ch, opts),
		ch:       ch,
		user:     user,
	}
}

func (p *NetworkProvider) Connect(ctx context.Context) error {
	if p.isClosed() {
		return domain.ErrProviderClosed
	}
	if err := p.ch.ConnectUser(ctx, p.user); err != nil {
		return fmt.Errorf("connect user %s: %w", p.user.ID, err)
	}
	return p.pipeline.Connect(ctx)
}

func (p *NetworkProvider) GetUnreadCount(ctx context.Context) (int, error) {
	if p.isClosed() {
		return 0, domain.ErrProviderClosed
	}
	return p.ch.Unread(ctx)
}

func (p *NetworkProvider) MarkAsRead(ctx context.Context, messageIDs []string) error {
	if p.isClosed() {
		return domain.ErrProviderClosed
	}
	if len(messageIDs) == 0 {
		return nil
	}
	return p.ch.MarkRead(ctx, messageIDs)
}
