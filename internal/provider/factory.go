package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Builder creates an unconnected provider for a conversation.
type Builder func(conv domain.Conversation) (Provider, error)

// DefaultKinds maps casual conversations to the datastore and professional
// ones to the chat network.
func DefaultKinds() map[domain.ConversationKind]Kind {
	return map[domain.ConversationKind]Kind{
		domain.KindConsumer:     DirectStore,
		domain.KindCasual:       DirectStore,
		domain.KindPro:          NetworkBacked,
		domain.KindProfessional: NetworkBacked,
		domain.KindManaged:      NetworkBacked,
		domain.KindEnterprise:   NetworkBacked,
	}
}

// ParseKinds reads a kind table of conversation kind -> "direct"|"network".
func ParseKinds(table map[string]string) (map[domain.ConversationKind]Kind, error) {
	out := make(map[domain.ConversationKind]Kind, len(table))
	for conv, backend := range table {
		k, err := ParseKind(backend)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", conv, err)
		}
		out[domain.ConversationKind(conv)] = k
	}
	return out, nil
}

type cacheKey struct {
	id   string
	kind domain.ConversationKind
}

func (k cacheKey) String() string { return k.id + "|" + string(k.kind) }

// Factory owns every live provider. Concurrent GetProvider calls for one
// (conversation id, kind) pair build and connect exactly one provider.
type Factory struct {
	builders map[domain.ConversationKind]Builder
	backends map[domain.ConversationKind]Kind

	group singleflight.Group

	mu    sync.Mutex
	cache map[cacheKey]Provider
}

// NewFactory resolves the builder for every conversation kind up front, so
// no per-call branching on backend remains.
func NewFactory(kinds map[domain.ConversationKind]Kind, builders map[Kind]Builder) (*Factory, error) {
	f := &Factory{
		builders: make(map[domain.ConversationKind]Builder, len(kinds)),
		backends: make(map[domain.ConversationKind]Kind, len(kinds)),
		cache:    make(map[cacheKey]Provider),
	}
	for conv, backend := range kinds {
		b, ok := builders[backend]
		if !ok || b == nil {
			return nil, fmt.Errorf("provider: no builder for %s (kind %q)", backend, conv)
		}
		f.builders[conv] = b
		f.backends[conv] = backend
	}
	return f, nil
}

// Backend reports which provider kind serves a conversation kind.
func (f *Factory) Backend(kind domain.ConversationKind) (Kind, bool) {
	k, ok := f.backends[kind]
	return k, ok
}

// GetProvider returns the cached provider for the pair, building and
// connecting it on first use. A provider whose first connect fails is
// disconnected and not cached.
func (f *Factory) GetProvider(ctx context.Context, conversationID string, kind domain.ConversationKind) (Provider, error) {
	build, ok := f.builders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownConversationKind, kind)
	}
	key := cacheKey{id: conversationID, kind: kind}
	if p, ok := f.cached(key); ok {
		return p, nil
	}

	v, err, _ := f.group.Do(key.String(), func() (any, error) {
		if p, ok := f.cached(key); ok {
			return p, nil
		}

		conv := domain.Conversation{ID: conversationID, Kind: kind}
		p, err := build(conv)
		if err != nil {
			return nil, err
		}
		if err := p.Connect(ctx); err != nil {
			_ = p.Disconnect()
			return nil, err
		}

		f.mu.Lock()
		f.cache[key] = p
		f.mu.Unlock()
		observability.ActiveProviders.WithLabelValues(p.Kind().String()).Inc()
		observability.GetLogger(ctx).Info("provider: created",
			zap.String("conversation", conv.String()), zap.String("backend", p.Kind().String()))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

func (f *Factory) cached(key cacheKey) (Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.cache[key]
	return p, ok
}

// ReleaseProvider disconnects and evicts one entry. Releasing an unknown
// pair is a no-op.
func (f *Factory) ReleaseProvider(conversationID string, kind domain.ConversationKind) error {
	key := cacheKey{id: conversationID, kind: kind}

	f.mu.Lock()
	p, ok := f.cache[key]
	delete(f.cache, key)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	observability.ActiveProviders.WithLabelValues(p.Kind().String()).Dec()
	return p.Disconnect()
}

// ReleaseAll disconnects and evicts every entry.
func (f *Factory) ReleaseAll() error {
	f.mu.Lock()
	all := f.cache
	f.cache = make(map[cacheKey]Provider)
	f.mu.Unlock()

	var errs []error
	for key, p := range all {
		observability.ActiveProviders.WithLabelValues(p.Kind().String()).Dec()
		if err := p.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}
