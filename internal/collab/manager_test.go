package collab

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/types"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []crdt.Update
}

func (p *recordingPublisher) Publish(_ context.Context, _ types.CanvasID, update crdt.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) all() []crdt.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crdt.Update(nil), p.updates...)
}

func newManager(store objectstore.Store, site string, opts ...Option) *Manager {
	logger := zerolog.New(io.Discard)
	return NewManager(NewEngine(store, site, logger), logger, opts...)
}

func setTitle(title string) func(*crdt.Transaction) error {
	return func(tx *crdt.Transaction) error { return tx.SetTitle(title) }
}

func TestSessionsShareRoomAndCloseFlushes(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	publisher := &recordingPublisher{}
	m := newManager(store, "site-1", WithPublisher(publisher))

	first, err := m.Open(ctx, "c1", "state/c1", SessionOptions{ClientID: "alice"})
	require.NoError(t, err)
	second, err := m.Open(ctx, "c1", "state/c1", SessionOptions{ClientID: "bob"})
	require.NoError(t, err)
	assert.Same(t, first.Document(), second.Document())
	assert.Equal(t, 1, m.OpenRooms())

	var received []crdt.Update
	unsubscribe := second.Subscribe(func(u crdt.Update) { received = append(received, u) })
	defer unsubscribe()

	_, err = first.Transact(ctx, setTitle("Shared"))
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Len(t, publisher.all(), 1)

	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx))
	assert.Equal(t, 1, m.OpenRooms())

	_, err = first.Transact(ctx, setTitle("late"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, second.Close(ctx))
	assert.Equal(t, 0, m.OpenRooms())

	loaded, err := m.Engine().Load(ctx, "state/c1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Shared", loaded.Title())
}

func TestApplyRemoteIsNotEchoedToOriginator(t *testing.T) {
	ctx := context.Background()
	m := newManager(objectstore.NewMemory(), "site-1")

	session, err := m.Open(ctx, "c1", "state/c1", SessionOptions{ClientID: "browser-1"})
	require.NoError(t, err)
	defer session.Close(ctx)

	var echoed int
	session.Subscribe(func(crdt.Update) { echoed++ })

	client := crdt.NewDocument("browser-1")
	update, err := client.Transact(setTitle("typed"))
	require.NoError(t, err)

	applied, err := session.ApplyRemote(ctx, update)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "typed", session.Document().Title())
	assert.Zero(t, echoed)

	applied, err = session.ApplyRemote(ctx, update)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestConcurrentProgrammaticTitleUpdates(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	m := newManager(store, "site-1")

	var wg sync.WaitGroup
	for _, title := range []string{"Alpha title", "Beta"} {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			s, err := m.Open(ctx, "c1", "state/c1", SessionOptions{Programmatic: true})
			if !assert.NoError(t, err) {
				return
			}
			_, err = s.Transact(ctx, setTitle(title))
			assert.NoError(t, err)
			assert.NoError(t, s.Close(ctx))
		}(title)
	}
	wg.Wait()

	loaded, err := m.Engine().Load(ctx, "state/c1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Contains(t, []string{"Alpha title", "Beta"}, loaded.Title())
}

func TestProgrammaticSessionHoldsLock(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(100 * time.Millisecond)
	m := newManager(objectstore.NewMemory(), "site-1", WithLocker(locker))

	held, err := m.Open(ctx, "c1", "state/c1", SessionOptions{Programmatic: true})
	require.NoError(t, err)

	_, err = m.Open(ctx, "c1", "state/c1", SessionOptions{Programmatic: true})
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, held.Close(ctx))
	again, err := m.Open(ctx, "c1", "state/c1", SessionOptions{Programmatic: true})
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestHandleRemoteReordersAndResyncs(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	origin := newManager(store, "site-1")
	replica := newManager(store, "site-2")

	src, err := origin.Open(ctx, "c1", "state/c1", SessionOptions{})
	require.NoError(t, err)
	defer src.Close(ctx)
	dst, err := replica.Open(ctx, "c1", "state/c1", SessionOptions{})
	require.NoError(t, err)
	defer dst.Close(ctx)

	u1, err := src.Transact(ctx, setTitle("one"))
	require.NoError(t, err)
	u2, err := src.Transact(ctx, setTitle("two"))
	require.NoError(t, err)

	require.NoError(t, replica.HandleRemote(ctx, "c1", u2))
	assert.Equal(t, "", dst.Document().Title())
	require.NoError(t, replica.HandleRemote(ctx, "c1", u1))
	assert.Equal(t, "two", dst.Document().Title())

	// Unknown canvases are ignored.
	require.NoError(t, replica.HandleRemote(ctx, "other", u1))

	_, err = src.Transact(ctx, setTitle("three"))
	require.NoError(t, err)
	u4, err := src.Transact(ctx, setTitle("four"))
	require.NoError(t, err)
	flushed, err := origin.FlushDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	replica.resyncAfter = time.Nanosecond
	time.Sleep(time.Millisecond)
	require.NoError(t, replica.HandleRemote(ctx, "c1", u4))
	// The gap may only be detected as stale on the next delivery.
	require.NoError(t, replica.HandleRemote(ctx, "c1", u4))
	assert.Equal(t, "four", dst.Document().Title())
	assert.Equal(t, src.Document().Clock(), dst.Document().Clock())
}
