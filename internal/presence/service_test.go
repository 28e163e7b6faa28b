package presence

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRosterIsOrderedAndScoped(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemory()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, tracker.Join(ctx, Editor{CanvasID: "c1", ClientID: "late", UID: "u1", JoinedAt: base.Add(time.Minute)}))
	require.NoError(t, tracker.Join(ctx, Editor{CanvasID: "c1", ClientID: "early", UID: "u1", JoinedAt: base}))
	require.NoError(t, tracker.Join(ctx, Editor{CanvasID: "c2", ClientID: "other", UID: "u2"}))

	roster, err := tracker.Roster(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, []string{"early", "late"}, []string{string(roster[0].ClientID), string(roster[1].ClientID)})

	require.NoError(t, tracker.Leave(ctx, "c1", "early"))
	require.NoError(t, tracker.Leave(ctx, "c1", "missing"))
	roster, err = tracker.Roster(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "late", string(roster[0].ClientID))
}

func TestJoinRequiresIdentifiers(t *testing.T) {
	assert.Error(t, NewMemory().Join(context.Background(), Editor{CanvasID: "c1"}))
	assert.Error(t, NewService(nil, zerolog.New(io.Discard)).Join(context.Background(), Editor{ClientID: "x"}))
}

func TestRedisKeyLayout(t *testing.T) {
	s := NewService(nil, zerolog.New(io.Discard))
	assert.Equal(t, "presence:canvas:c1:client:a", s.key("c1", "a"))
	assert.Equal(t, "presence:canvas:c1:client:*", s.key("c1", "*"))
}
