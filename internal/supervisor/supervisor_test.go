package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/transport"
)

type fakeChannel struct {
	transport.Channel

	mu       sync.Mutex
	connects int
	closes   int
	failWith error
	onFault  func(error)
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.failWith
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) OnFault(fn func(error)) { f.onFault = fn }

func (f *fakeChannel) setFail(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *fakeChannel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes
}

var errLink = domain.NewTransportFault("read", errors.New("connection reset"))

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeChannel, *netstatus.Monitor, *clock.Fake, *int) {
	t.Helper()
	ch := &fakeChannel{}
	net := netstatus.NewMonitor(true)
	c := clock.NewFake(time.Unix(0, 0))
	resets := 0
	s := New(ch, net, Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxReconnectAttempts: 5},
		WithClock(c), WithReset(func() { resets++ }), WithLabels("trip-1", "test"))
	return s, ch, net, c, &resets
}

func TestDelayDoublesUntilCap(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	var got []time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got = append(got, cfg.Delay(attempt))
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 10*time.Second, cfg.Delay(1000), "no overflow for large attempts")
}

func TestStartConnectsAndResetsFirst(t *testing.T) {
	s, ch, _, _, resets := newTestSupervisor(t)

	var statuses []domain.ConnectionStatus
	s.OnStateChange(func(st domain.ConnectionState) { statuses = append(statuses, st.Status) })

	require.NoError(t, s.Start(context.Background()))

	connects, _ := ch.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, *resets)
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, []domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected}, statuses)
}

func TestFaultsExhaustBudget(t *testing.T) {
	s, ch, _, c, resets := newTestSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	ch.setFail(errLink)
	ch.onFault(errLink)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		pending := c.Pending()
		if len(pending) == 0 {
			break
		}
		require.Len(t, pending, 1)
		delays = append(delays, pending[0])
		c.Advance(pending[0])
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays, "exactly five retries with strictly increasing delay")
	connects, _ := ch.counts()
	assert.Equal(t, 6, connects, "initial connect plus five retries")
	assert.Equal(t, 6, *resets)
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, c.Pending(), "no sixth attempt")

	st := s.ConnectionState()
	assert.Equal(t, domain.StatusDisconnected, st.Status)
	assert.ErrorIs(t, st.LastError, domain.ErrTransportFault)
}

func TestSuccessfulRetryResetsAttempt(t *testing.T) {
	s, ch, _, c, _ := newTestSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	ch.setFail(errLink)
	ch.onFault(errLink)
	c.Advance(time.Second)
	assert.Equal(t, 2, s.Attempt())

	ch.setFail(nil)
	c.Advance(2 * time.Second)
	assert.Equal(t, Connected, s.State())
	assert.Zero(t, s.Attempt())
}

func TestNetworkOfflineThenOnline(t *testing.T) {
	s, ch, net, c, resets := newTestSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	net.Set(false)
	_, closes := ch.counts()
	assert.Equal(t, 1, closes, "channel torn down when the network drops")
	assert.Equal(t, Disconnected, s.State())
	assert.Zero(t, s.Attempt(), "going offline is not a failed attempt")

	net.Set(true)
	c.Advance(0)

	connects, _ := ch.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 2, *resets)
	assert.Equal(t, Connected, s.State())
	assert.Zero(t, s.Attempt())
}

func TestNetworkRecoveryResetsBackoff(t *testing.T) {
	s, ch, net, c, _ := newTestSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	ch.setFail(errLink)
	ch.onFault(errLink)
	c.Advance(time.Second)
	c.Advance(2 * time.Second)
	assert.Equal(t, 3, s.Attempt())

	net.Set(false)
	assert.Empty(t, c.Pending(), "pending retry cancelled when offline")
	assert.Equal(t, 3, s.Attempt())

	ch.setFail(nil)
	net.Set(true)
	c.Advance(0)
	assert.Equal(t, Connected, s.State())
	assert.Zero(t, s.Attempt())
}

func TestFaultWhileOfflineSchedulesNothing(t *testing.T) {
	ch := &fakeChannel{}
	net := netstatus.NewMonitor(true)
	c := clock.NewFake(time.Unix(0, 0))
	s := New(ch, net, DefaultConfig(), WithClock(c))
	require.NoError(t, s.Start(context.Background()))

	// the fault races ahead of the offline notification
	s.network = offlineSignal{}
	ch.onFault(errLink)

	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, c.Pending())
}

func TestNonRetryableConnectError(t *testing.T) {
	s, ch, _, c, _ := newTestSupervisor(t)
	ch.setFail(domain.ErrAuthentication)

	err := s.Start(context.Background())

	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, c.Pending())
}

func TestStopIsTerminal(t *testing.T) {
	s, ch, net, c, _ := newTestSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	ch.setFail(errLink)
	ch.onFault(errLink)
	require.Len(t, c.Pending(), 1)

	require.NoError(t, s.Stop())
	assert.Empty(t, c.Pending(), "stop cancels the pending retry")

	net.Set(false)
	net.Set(true)
	c.Advance(time.Minute)

	connects, _ := ch.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrProviderClosed)
}

func TestStartWhileOfflineWaitsForNetwork(t *testing.T) {
	ch := &fakeChannel{}
	net := netstatus.NewMonitor(false)
	c := clock.NewFake(time.Unix(0, 0))
	s := New(ch, net, DefaultConfig(), WithClock(c))

	require.NoError(t, s.Start(context.Background()))
	connects, _ := ch.counts()
	assert.Zero(t, connects)
	assert.Equal(t, Disconnected, s.State())

	net.Set(true)
	c.Advance(0)
	assert.Equal(t, Connected, s.State())
}

type offlineSignal struct{}

func (offlineSignal) Online() bool                { return false }
func (offlineSignal) Subscribe(func(bool)) func() { return func() {} }
