package entity

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

type fakeRemover struct {
	calls [][]types.Entity
}

func (f *fakeRemover) RemoveEntityEverywhere(_ context.Context, entities []types.Entity) error {
	f.calls = append(f.calls, entities)
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.SQLite, *objectstore.Memory) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:", zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	objects := objectstore.NewMemory()
	return NewService(store, objects, zerolog.New(io.Discard)), store, objects
}

func TestDuplicateDocumentCopiesRowBlobAndFiles(t *testing.T) {
	ctx := context.Background()
	svc, store, objects := newTestService(t)

	require.NoError(t, objects.Put(ctx, "document/d-src", []byte("# notes")))
	require.NoError(t, store.InsertEntity(ctx, types.EntityRecord{
		EntityID:       "d-src",
		EntityType:     types.EntityDocument,
		UID:            "owner",
		Title:          "Notes",
		ContentPreview: "notes",
		StorageKey:     "document/d-src",
	}))
	require.NoError(t, store.LinkFiles(ctx, []types.StaticFile{{
		StorageKey: "static/img.png", UID: "owner", EntityID: "d-src", EntityType: types.EntityDocument,
	}}))

	forkID, err := svc.Duplicate(ctx, "reader", types.Entity{ID: "d-src", Type: types.EntityDocument}, DuplicateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, types.EntityID("d-src"), forkID)

	fork, err := store.GetEntity(ctx, types.Entity{ID: forkID, Type: types.EntityDocument})
	require.NoError(t, err)
	assert.Equal(t, types.UserID("reader"), fork.UID)
	assert.Equal(t, "Notes", fork.Title)
	assert.True(t, objects.Has(fork.StorageKey))

	files, err := store.ListFiles(ctx, types.EntityDocument, string(forkID))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "static/img.png", files[0].StorageKey)
	assert.Equal(t, types.UserID("reader"), files[0].UID)
}

func TestDuplicateActionResultRetargets(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	require.NoError(t, store.InsertActionResult(ctx, types.ActionResult{
		ResultID:   "ar-src",
		UID:        "owner",
		TargetID:   "c-src",
		TargetType: types.EntityCanvas,
		Title:      "Answer",
		Query:      "what?",
		Steps:      []types.ActionStep{{Name: "answer", Content: "this"}},
	}))

	forkID, err := svc.Duplicate(ctx, "owner", types.Entity{ID: "ar-src", Type: types.EntitySkillResponse}, DuplicateOptions{TargetCanvasID: "c-new"})
	require.NoError(t, err)

	results, err := svc.ListActionResultsByTarget(ctx, "c-new")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, forkID, results[0].ResultID)
	assert.Equal(t, "this", results[0].Steps[0].Content)
}

func TestDuplicateRejectsUnknownTypes(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Duplicate(context.Background(), "u", types.Entity{ID: "m1", Type: types.EntityMemo}, DuplicateOptions{})
	assert.ErrorIs(t, err, ErrNotDuplicable)

	_, err = svc.Duplicate(context.Background(), "u", types.Entity{ID: "missing", Type: types.EntityDocument}, DuplicateOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteJobCascades(t *testing.T) {
	ctx := context.Background()
	svc, store, objects := newTestService(t)
	remover := &fakeRemover{}
	svc.SetRemover(remover)

	require.NoError(t, objects.Put(ctx, "resource/r-1", []byte("pdf")))
	require.NoError(t, store.InsertEntity(ctx, types.EntityRecord{
		EntityID: "r-1", EntityType: types.EntityResource, UID: "owner", StorageKey: "resource/r-1",
	}))

	job, err := queue.NewJob(DeleteJobName, "r-1", DeletePayload{EntityID: "r-1", EntityType: types.EntityResource, UID: "owner"})
	require.NoError(t, err)
	require.NoError(t, svc.HandleDeleteJob(ctx, job))
	// A redelivered job converges.
	require.NoError(t, svc.HandleDeleteJob(ctx, job))

	_, err = store.GetEntity(ctx, types.Entity{ID: "r-1", Type: types.EntityResource})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, objects.Has("resource/r-1"))
	require.Len(t, remover.calls, 2)
	assert.Equal(t, []types.Entity{{ID: "r-1", Type: types.EntityResource}}, remover.calls[0])
}

func TestListSummariesSkipsOtherTypes(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	require.NoError(t, store.InsertEntity(ctx, types.EntityRecord{EntityID: "d-1", EntityType: types.EntityDocument, UID: "u", Title: "Doc"}))

	summaries, err := svc.ListSummaries(ctx, []types.Entity{
		{ID: "d-1", Type: types.EntityDocument},
		{ID: "m-1", Type: types.EntityMemo},
	})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Doc", summaries[0].Title)
}
