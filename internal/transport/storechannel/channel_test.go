package storechannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/store/memory"
)

func TestSendBeforeConnect(t *testing.T) {
	ch := New("trip-1", memory.New(nil), memory.New(nil))

	_, err := ch.Send(context.Background(), domain.Draft{SenderID: "u1", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = ch.History(context.Background(), 10, time.Time{})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestChannelDeliversWithConnectionScopedSequence(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	ch := New("trip-1", st, st)

	var a, b []domain.Event
	ch.Subscribe(func(ev domain.Event) { a = append(a, ev) })
	unsubB := ch.Subscribe(func(ev domain.Event) { b = append(b, ev) })

	require.NoError(t, ch.Connect(ctx))
	m, err := ch.Send(ctx, domain.Draft{SenderID: "u1", Body: "one"})
	require.NoError(t, err)
	assert.Equal(t, "trip-1", m.ConversationID)
	_, err = ch.Send(ctx, domain.Draft{SenderID: "u1", Body: "two"})
	require.NoError(t, err)
	unsubB()

	// reconnecting replaces the subscription and restarts numbering
	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, 1, st.Subscribers("trip-1"), "connect must not leave the old subscription behind")
	require.NoError(t, ch.Delete(ctx, m.ID))

	require.Len(t, a, 3)
	assert.Equal(t, []int64{0, 1, 0}, []int64{a[0].Sequence, a[1].Sequence, a[2].Sequence})
	assert.Equal(t, domain.EventMessageDeleted, a[2].Type)
	assert.Len(t, b, 2)

	history, err := ch.History(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "two", history[0].Body)
}

func TestChannelReportsFeedFault(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	ch := New("trip-1", st, st)

	var faults []error
	ch.OnFault(func(err error) { faults = append(faults, err) })
	require.NoError(t, ch.Connect(ctx))

	st.Disrupt("trip-1", errors.New("socket closed"))

	require.Len(t, faults, 1)
	assert.ErrorIs(t, faults[0], domain.ErrTransportFault)
	_, err := ch.Send(ctx, domain.Draft{SenderID: "u1", Body: "late"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConnectFailureIsTransportFault(t *testing.T) {
	st := memory.New(nil)
	st.FailNextListen(errors.New("too many connections"))
	ch := New("trip-1", st, st)

	err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportFault)
}
