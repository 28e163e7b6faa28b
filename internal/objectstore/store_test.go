package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "canvas/a", []byte("v1")))
	require.NoError(t, store.Put(ctx, "canvas/a", []byte("v2")))
	data, err := store.Get(ctx, "canvas/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, store.Copy(ctx, "canvas/a", "canvas/b"))
	data, err = store.Get(ctx, "canvas/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.ErrorIs(t, store.Copy(ctx, "nope", "canvas/c"), ErrNotFound)

	require.NoError(t, store.Remove(ctx, "canvas/a"))
	require.NoError(t, store.Remove(ctx, "canvas/a"))
	_, err = store.Get(ctx, "canvas/a")
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := store.PresignedGetURL(ctx, "canvas/b", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/canvas/b"), u)
}

func TestJoinURLEscapesSegmentsOnly(t *testing.T) {
	assert.Equal(t, "minimap/one.png", joinURL("", "minimap/one.png"))
	assert.Equal(t, "http://cdn/blobs/minimap/one.png", joinURL("http://cdn/blobs/", "minimap/one.png"))
	assert.Equal(t, "memory://objects/static/a%20b/c%3Fd.png", joinURL("memory://objects", "static/a b/c?d.png"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestBadgerStore(t *testing.T) {
	store, err := OpenBadger("", "http://localhost:8080/blobs", zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}
