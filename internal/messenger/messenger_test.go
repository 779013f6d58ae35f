package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/offline"
	"github.com/tripchat/realtime/internal/provider"
	"github.com/tripchat/realtime/internal/ratelimit"
	"github.com/tripchat/realtime/internal/retry"
	"github.com/tripchat/realtime/internal/store/memory"
)

var (
	me   = domain.User{ID: "alice", DisplayName: "Alice"}
	trip = domain.Conversation{ID: "trip-1", Kind: domain.KindConsumer}
)

type mockProvider struct {
	provider.Provider
	mock.Mock
}

func (p *mockProvider) Connect(context.Context) error { return nil }
func (p *mockProvider) Disconnect() error             { return nil }
func (p *mockProvider) IsConnected() bool             { return true }
func (p *mockProvider) Kind() provider.Kind           { return provider.DirectStore }
func (p *mockProvider) Conversation() domain.Conversation {
	return trip
}

func (p *mockProvider) SendMessage(ctx context.Context, d domain.Draft) (*domain.Message, error) {
	args := p.Called(d.Body)
	msg, _ := args.Get(0).(*domain.Message)
	return msg, args.Error(1)
}

func (p *mockProvider) EditMessage(ctx context.Context, id, body string, version int64) (*domain.Message, error) {
	args := p.Called(id, body, version)
	msg, _ := args.Get(0).(*domain.Message)
	return msg, args.Error(1)
}

func (p *mockProvider) DeleteMessage(ctx context.Context, id string) error {
	return p.Called(id).Error(0)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *recordingNotifier) MessageSent(_ context.Context, m *domain.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m.Body)
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) bodies() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fixture struct {
	m        *Messenger
	p        *mockProvider
	net      *netstatus.Monitor
	notifier *recordingNotifier
}

func testConfig() Config {
	cfg := DefaultConfig(me)
	cfg.Retry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.ConnectWait = 50 * time.Millisecond
	cfg.CloseTimeout = time.Second
	return cfg
}

func newFixture(t *testing.T, online bool, cfg Config) *fixture {
	t.Helper()
	p := &mockProvider{}
	build := func(domain.Conversation) (provider.Provider, error) { return p, nil }
	f, err := provider.NewFactory(provider.DefaultKinds(), map[provider.Kind]provider.Builder{
		provider.DirectStore:   build,
		provider.NetworkBacked: build,
	})
	require.NoError(t, err)

	net := netstatus.NewMonitor(online)
	n := &recordingNotifier{}
	m := New(cfg, f, ratelimit.NewMemory(clock.NewFake(time.Unix(0, 0))), offline.NewMemoryJournal(), n, net)
	t.Cleanup(func() { m.Shutdown() })
	return &fixture{m: m, p: p, net: net, notifier: n}
}

func msg(id, body string) *domain.Message {
	return &domain.Message{ID: id, ConversationID: trip.ID, SenderID: me.ID, Body: body, Version: 1}
}

func TestSendOnline(t *testing.T) {
	fx := newFixture(t, true, testConfig())
	fx.p.On("SendMessage", "hello").Return(msg("m1", "hello"), nil).Once()

	r, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "hello"})

	require.NoError(t, err)
	assert.False(t, r.Queued)
	assert.Equal(t, "m1", r.Message.ID)
	assert.Equal(t, []string{"hello"}, fx.notifier.bodies())
	fx.p.AssertExpectations(t)
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	fx := newFixture(t, true, testConfig())

	_, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "   "})

	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	fx.p.AssertNotCalled(t, "SendMessage", mock.Anything)
}

func TestSendOfflineQueuesAndReplays(t *testing.T) {
	fx := newFixture(t, false, testConfig())

	r1, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "first"})
	require.NoError(t, err)
	r2, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "second"})
	require.NoError(t, err)

	assert.True(t, r1.Queued)
	assert.NotEmpty(t, r1.OperationID)
	assert.NotEqual(t, r1.OperationID, r2.OperationID)
	pending, err := fx.m.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	fx.p.AssertNotCalled(t, "SendMessage", mock.Anything)

	var mu sync.Mutex
	var order []string
	record := func(args mock.Arguments) {
		mu.Lock()
		order = append(order, args.String(0))
		mu.Unlock()
	}
	fx.p.On("SendMessage", "first").Return(msg("m1", "first"), nil).Run(record).Once()
	fx.p.On("SendMessage", "second").Return(msg("m2", "second"), nil).Run(record).Once()

	fx.net.Set(true)

	require.Eventually(t, func() bool {
		pending, _ := fx.m.Pending()
		return len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, fx.notifier.bodies())
}

func TestSendQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	fx := newFixture(t, true, cfg)
	fx.p.On("SendMessage", mock.Anything).Return(msg("m", "x"), nil)

	for i := 0; i < 2; i++ {
		_, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "x"})
		require.NoError(t, err)
	}
	_, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "x"})

	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	fx.p.AssertNumberOfCalls(t, "SendMessage", 2)

	// other conversations have their own window
	_, err = fx.m.Send(context.Background(), domain.Conversation{ID: "trip-2", Kind: domain.KindConsumer}, domain.Draft{Body: "x"})
	assert.NoError(t, err)
}

func TestTransientFailureRetriedThenQueued(t *testing.T) {
	fx := newFixture(t, true, testConfig())
	fault := domain.NewTransportFault("send", errors.New("connection reset"))
	fx.p.On("SendMessage", "hello").Return(nil, fault)

	r, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "hello"})

	require.NoError(t, err)
	assert.True(t, r.Queued)
	fx.p.AssertNumberOfCalls(t, "SendMessage", 3)
	pending, _ := fx.m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, offline.OpSend, pending[0].Kind)
	assert.Empty(t, fx.notifier.bodies())
}

func TestSemanticFailuresSurfaceWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "conflict", err: domain.ErrOptimisticLockConflict},
		{name: "auth", err: domain.ErrAuthentication},
		{name: "not found", err: domain.ErrMessageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, true, testConfig())
			fx.p.On("EditMessage", "m1", "new", int64(1)).Return(nil, tt.err)

			_, err := fx.m.Edit(context.Background(), trip, "m1", "new", 1)

			assert.ErrorIs(t, err, tt.err)
			fx.p.AssertNumberOfCalls(t, "EditMessage", 1)
			pending, _ := fx.m.Pending()
			assert.Empty(t, pending)
		})
	}
}

func TestEditAndDeleteOnline(t *testing.T) {
	fx := newFixture(t, true, testConfig())
	edited := msg("m1", "new")
	edited.IsEdited = true
	fx.p.On("EditMessage", "m1", "new", int64(1)).Return(edited, nil)
	fx.p.On("DeleteMessage", "m1").Return(nil)

	r, err := fx.m.Edit(context.Background(), trip, "m1", "new", 1)
	require.NoError(t, err)
	assert.True(t, r.Message.IsEdited)

	r, err = fx.m.Delete(context.Background(), trip, "m1")
	require.NoError(t, err)
	assert.False(t, r.Queued)
	assert.Nil(t, r.Message)
	assert.Empty(t, fx.notifier.bodies(), "only sends are announced")
}

func TestReplayGivesUpAfterThreeAttempts(t *testing.T) {
	fx := newFixture(t, false, testConfig())
	_, err := fx.m.Delete(context.Background(), trip, "m1")
	require.NoError(t, err)

	failed := make(chan offline.Failure, 1)
	fx.m.OnFailed(func(f offline.Failure) { failed <- f })
	fx.p.On("DeleteMessage", "m1").Return(domain.NewTransportFault("delete", errors.New("timeout")))

	fx.net.Set(true)

	select {
	case f := <-failed:
		assert.Equal(t, offline.OpDelete, f.Op.Kind)
		assert.Equal(t, 3, f.Op.RetryCount)
		assert.ErrorIs(t, f.Err, domain.ErrTransportFault)
	case <-time.After(2 * time.Second):
		t.Fatal("operation was never given up on")
	}
	fx.p.AssertNumberOfCalls(t, "DeleteMessage", 3)
}

func TestNotifierFailureDoesNotFailSend(t *testing.T) {
	fx := newFixture(t, true, testConfig())
	fx.notifier.err = errors.New("broker down")
	fx.p.On("SendMessage", "hello").Return(msg("m1", "hello"), nil)

	r, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "hello"})

	require.NoError(t, err)
	assert.Equal(t, "m1", r.Message.ID)
}

func TestUnknownConversationKind(t *testing.T) {
	fx := newFixture(t, true, testConfig())

	_, err := fx.m.Send(context.Background(), domain.Conversation{ID: "x", Kind: "mystery"}, domain.Draft{Body: "hi"})

	assert.ErrorIs(t, err, domain.ErrUnknownConversationKind)
}

func TestDirectStoreEndToEnd(t *testing.T) {
	st := memory.New(nil)
	net := netstatus.NewMonitor(true)
	opts := provider.Options{Network: net, BatchDelay: 10 * time.Millisecond}
	f, err := provider.NewFactory(
		map[domain.ConversationKind]provider.Kind{domain.KindConsumer: provider.DirectStore},
		map[provider.Kind]provider.Builder{
			provider.DirectStore: func(conv domain.Conversation) (provider.Provider, error) {
				return provider.NewDirectStore(conv, st, st, opts), nil
			},
		})
	require.NoError(t, err)
	m := New(testConfig(), f, ratelimit.NewMemory(nil), offline.NewMemoryJournal(), nil, net)
	defer m.Shutdown()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	unsub, err := m.Subscribe(ctx, trip, func(evs []domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range evs {
			got = append(got, ev.Message.Body)
		}
	})
	require.NoError(t, err)
	defer unsub()

	r, err := m.Send(ctx, trip, domain.Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, me.ID, r.Message.SenderID)
	assert.Equal(t, me.DisplayName, r.Message.SenderDisplayName)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	history, err := m.History(ctx, trip, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Body)

	n, err := m.Unread(ctx, trip)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, m.Close(trip))
}

func TestQueuedWhileOnlineKeepsSubmissionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayDelay = 20 * time.Millisecond
	fx := newFixture(t, true, cfg)
	fault := domain.NewTransportFault("send", errors.New("connection reset"))

	var mu sync.Mutex
	var delivered []string
	record := func(args mock.Arguments) {
		mu.Lock()
		delivered = append(delivered, args.String(0))
		mu.Unlock()
	}
	fx.p.On("SendMessage", "first").Return(nil, fault).Times(3)
	fx.p.On("SendMessage", "first").Return(msg("m1", "first"), nil).Run(record).Once()
	fx.p.On("SendMessage", "second").Return(msg("m2", "second"), nil).Run(record).Once()

	r1, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "first"})
	require.NoError(t, err)
	assert.True(t, r1.Queued, "first outlived its retries")

	_, err = fx.m.Send(context.Background(), trip, domain.Draft{Body: "second"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, _ := fx.m.Pending()
		mu.Lock()
		defer mu.Unlock()
		return len(pending) == 0 && len(delivered) == 2
	}, 2*time.Second, 5*time.Millisecond, "queued operation replayed without a network transition")
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, delivered)
	mu.Unlock()
}

func TestSendQueuesBehindPendingOperations(t *testing.T) {
	fx := newFixture(t, false, testConfig())
	_, err := fx.m.Delete(context.Background(), trip, "m0")
	require.NoError(t, err)

	replaying := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	fx.p.On("DeleteMessage", "m0").Return(nil).Run(func(mock.Arguments) {
		close(replaying)
		<-release
		mu.Lock()
		order = append(order, "delete m0")
		mu.Unlock()
	}).Once()
	fx.p.On("SendMessage", "after").Return(msg("m1", "after"), nil).Run(func(mock.Arguments) {
		mu.Lock()
		order = append(order, "send after")
		mu.Unlock()
	}).Once()

	fx.net.Set(true)
	<-replaying

	// online, but the delete is still in the journal
	r, err := fx.m.Send(context.Background(), trip, domain.Draft{Body: "after"})
	require.NoError(t, err)
	assert.True(t, r.Queued)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"delete m0", "send after"}, order)
	mu.Unlock()
}
