package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/store"
)

func draft(body string) domain.Draft {
	return domain.Draft{ConversationID: "trip-1", SenderID: "u1", SenderDisplayName: "Ada", Body: body}
}

func TestListPagesBackwards(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(time.Unix(1000, 0))
	s := New(c)

	var ids []string
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		m, err := s.Insert(ctx, draft(body))
		require.NoError(t, err)
		ids = append(ids, m.ID)
		c.Advance(time.Second)
	}
	_, err := s.SoftDelete(ctx, "trip-1", ids[3])
	require.NoError(t, err)

	page, err := s.List(ctx, "trip-1", 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "e"}, bodies(page))

	older, err := s.List(ctx, "trip-1", 2, page[0].CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, bodies(older), "before is exclusive")

	none, err := s.List(ctx, "other", 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	m, err := s.Insert(ctx, draft("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)

	edited, err := s.Update(ctx, "trip-1", m.ID, "hello!", 1)
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)

	_, err = s.Update(ctx, "trip-1", m.ID, "stale", 1)
	assert.ErrorIs(t, err, domain.ErrOptimisticLockConflict)

	_, err = s.Update(ctx, "trip-2", m.ID, "wrong conv", 2)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestListenDeliversChangesAndFaults(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	var changes []store.Change
	var faults []error
	sub, err := s.Listen(ctx, "trip-1", func(c store.Change) { changes = append(changes, c) }, func(err error) { faults = append(faults, err) })
	require.NoError(t, err)

	m, _ := s.Insert(ctx, draft("one"))
	_, _ = s.Insert(ctx, domain.Draft{ConversationID: "trip-2", SenderID: "u1", Body: "elsewhere"})
	_, _ = s.SoftDelete(ctx, "trip-1", m.ID)
	_, _ = s.SoftDelete(ctx, "trip-1", m.ID)

	require.Len(t, changes, 2)
	assert.Equal(t, domain.EventMessageCreated, changes[0].Type)
	assert.Equal(t, domain.EventMessageDeleted, changes[1].Type)

	s.Disrupt("trip-1", errors.New("link lost"))
	assert.Len(t, faults, 1)
	assert.Zero(t, s.Subscribers("trip-1"))
	assert.NoError(t, sub.Close())
}

func bodies(msgs []*domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}
