package provider

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/chatnet"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/store/memory"
	"github.com/tripchat/realtime/internal/supervisor"
	"github.com/tripchat/realtime/internal/transport/wschannel"
)

var (
	alice = domain.User{ID: "alice", DisplayName: "Alice"}
	trip  = domain.Conversation{ID: "trip-1", Kind: domain.KindConsumer}
)

type batches struct {
	mu  sync.Mutex
	got [][]domain.Event
}

func (b *batches) add(evs []domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, evs)
}

func (b *batches) all() [][]domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]domain.Event(nil), b.got...)
}

func (b *batches) bodies() []string {
	var out []string
	for _, batch := range b.all() {
		for _, ev := range batch {
			out = append(out, ev.Message.Body)
		}
	}
	return out
}

func newDirect(t *testing.T) (*DirectStoreProvider, *memory.Store, *clock.Fake, *netstatus.Monitor) {
	t.Helper()
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	st := memory.New(c)
	net := netstatus.NewMonitor(true)
	p := NewDirectStore(trip, st, st, Options{
		Network:    net,
		Supervisor: supervisor.DefaultConfig(),
		BatchDelay: 100 * time.Millisecond,
		Clock:      c,
	})
	t.Cleanup(func() { p.Disconnect() })
	return p, st, c, net
}

func send(t *testing.T, p Provider, body string) *domain.Message {
	t.Helper()
	m, err := p.SendMessage(context.Background(), domain.Draft{SenderID: alice.ID, SenderDisplayName: alice.DisplayName, Body: body})
	require.NoError(t, err)
	return m
}

func TestDirectStoreBeforeConnect(t *testing.T) {
	p, _, _, _ := newDirect(t)

	_, err := p.SendMessage(context.Background(), domain.Draft{SenderID: "alice", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, p.IsConnected())
	assert.Equal(t, domain.StatusDisconnected, p.State().Status)
}

func TestDirectStoreBatchesInboundEvents(t *testing.T) {
	p, _, c, _ := newDirect(t)
	got := &batches{}
	p.OnMessage(got.add)

	require.NoError(t, p.Connect(context.Background()))
	require.True(t, p.IsConnected())

	send(t, p, "one")
	send(t, p, "two")
	send(t, p, "three")
	assert.Empty(t, got.all(), "nothing before the batch timer")

	c.Advance(100 * time.Millisecond)
	require.Len(t, got.all(), 1, "burst coalesced into one flush")
	assert.Equal(t, []string{"one", "two", "three"}, got.bodies())

	n, err := p.GetUnreadCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, p.MarkAsRead(context.Background(), []string{"anything"}))
}

func TestDirectStoreHistoryEditDelete(t *testing.T) {
	p, _, c, _ := newDirect(t)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	m1 := send(t, p, "a")
	c.Advance(time.Second)
	send(t, p, "b")

	edited, err := p.EditMessage(ctx, m1.ID, "a2", m1.Version)
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	_, err = p.EditMessage(ctx, m1.ID, "a3", m1.Version)
	assert.ErrorIs(t, err, domain.ErrOptimisticLockConflict, "backend errors surface untranslated")

	require.NoError(t, p.DeleteMessage(ctx, m1.ID))
	history, err := p.GetMessages(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "b", history[0].Body)
}

func TestDisconnectFlushesPendingEvents(t *testing.T) {
	p, _, c, _ := newDirect(t)
	got := &batches{}
	p.OnMessage(got.add)
	require.NoError(t, p.Connect(context.Background()))

	send(t, p, "x")
	send(t, p, "y")
	require.NoError(t, p.Disconnect())

	assert.Equal(t, []string{"x", "y"}, got.bodies(), "every accepted event flushed on teardown")
	assert.Empty(t, c.Pending(), "no timers left behind")

	_, err := p.SendMessage(context.Background(), domain.Draft{SenderID: "alice", Body: "late"})
	assert.ErrorIs(t, err, domain.ErrProviderClosed)
	assert.ErrorIs(t, p.Connect(context.Background()), domain.ErrProviderClosed)
}

func TestReconnectResetsOrdering(t *testing.T) {
	p, st, c, _ := newDirect(t)
	got := &batches{}
	p.OnMessage(got.add)

	var states []domain.ConnectionStatus
	p.OnStateChange(func(s domain.ConnectionState) { states = append(states, s.Status) })
	require.NoError(t, p.Connect(context.Background()))

	send(t, p, "before")
	c.Advance(100 * time.Millisecond)

	st.Disrupt(trip.ID, errors.New("replication slot dropped"))
	assert.Equal(t, domain.StatusErrored, p.State().Status)
	c.Advance(time.Second)
	require.True(t, p.IsConnected())

	// the new subscription numbers from 0 again; without a reset these
	// would be discarded as stale
	send(t, p, "after")
	c.Advance(100 * time.Millisecond)

	assert.Equal(t, []string{"before", "after"}, got.bodies())
	assert.Contains(t, states, domain.StatusErrored)
	assert.Equal(t, domain.StatusConnected, states[len(states)-1])
}

func TestOfflineTearsDownAndOnlineReconnects(t *testing.T) {
	p, st, c, net := newDirect(t)
	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, 1, st.Subscribers(trip.ID))

	net.Set(false)
	assert.False(t, p.IsConnected())
	assert.Zero(t, st.Subscribers(trip.ID))

	net.Set(true)
	c.Advance(0)
	assert.True(t, p.IsConnected())
	assert.Equal(t, 1, st.Subscribers(trip.ID), "exactly one live subscription")
}

func TestUnsubscribeOnlyRemovesOwnListener(t *testing.T) {
	p, _, c, _ := newDirect(t)
	a, b := &batches{}, &batches{}
	unsubA := p.OnMessage(a.add)
	p.OnMessage(b.add)
	require.NoError(t, p.Connect(context.Background()))

	unsubA()
	unsubA()
	send(t, p, "hello")
	c.Advance(100 * time.Millisecond)

	assert.Empty(t, a.all())
	assert.Equal(t, []string{"hello"}, b.bodies())
}

func TestNetworkProviderAgainstChatNet(t *testing.T) {
	const secret = "test-secret"
	server := chatnet.NewServer(nil)
	srv := httptest.NewServer(chatnet.NewRouter(server, chatnet.RouterConfig{Secret: secret}))
	t.Cleanup(func() {
		server.Shutdown()
		srv.Close()
	})
	ctx := context.Background()

	token := func(user string) string {
		tok, err := chatnet.IssueToken(secret, user, time.Hour)
		require.NoError(t, err)
		return tok
	}
	conv := domain.Conversation{ID: "trip-9", Kind: domain.KindPro}
	opts := Options{Network: netstatus.NewMonitor(true), BatchDelay: 10 * time.Millisecond}

	p := NewNetwork(conv, alice, wschannel.Config{BaseURL: srv.URL, Token: token("alice")}, opts)
	t.Cleanup(func() { p.Disconnect() })
	got := &batches{}
	p.OnMessage(got.add)
	require.NoError(t, p.Connect(ctx))
	assert.Equal(t, NetworkBacked, p.Kind())

	bob := NewNetwork(conv, domain.User{ID: "bob", DisplayName: "Bob"}, wschannel.Config{BaseURL: srv.URL, Token: token("bob")}, opts)
	t.Cleanup(func() { bob.Disconnect() })
	require.NoError(t, bob.Connect(ctx))

	m := send(t, p, "ping")
	require.Eventually(t, func() bool { return len(got.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ping"}, got.bodies())

	n, err := bob.GetUnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, bob.MarkAsRead(ctx, []string{m.ID}))
	n, err = bob.GetUnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = bob.EditMessage(ctx, m.ID, "not yours", m.Version)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestNetworkProviderRejectedToken(t *testing.T) {
	server := chatnet.NewServer(nil)
	srv := httptest.NewServer(chatnet.NewRouter(server, chatnet.RouterConfig{Secret: "right"}))
	defer srv.Close()

	p := NewNetwork(domain.Conversation{ID: "trip-9", Kind: domain.KindPro}, alice,
		wschannel.Config{BaseURL: srv.URL, Token: "wrong"}, Options{Network: netstatus.NewMonitor(true)})
	defer p.Disconnect()

	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.False(t, p.IsConnected())
}
