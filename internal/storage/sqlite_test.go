package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/types"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := OpenSQLite(":memory:", zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustInsertCanvas(t *testing.T, store Store, uid types.UserID, id types.CanvasID, updated time.Time) {
	t.Helper()
	require.NoError(t, store.InsertCanvas(context.Background(), types.Canvas{
		UID:             uid,
		CanvasID:        id,
		Title:           string(id),
		Status:          types.CanvasReady,
		StateStorageKey: "state/" + string(id),
		CreatedAt:       updated,
		UpdatedAt:       updated,
	}))
}

func TestCanvasLifecycleHidesSoftDeletedRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mustInsertCanvas(t, store, "u1", "c-old", base)
	mustInsertCanvas(t, store, "u1", "c-new", base.Add(time.Hour))
	mustInsertCanvas(t, store, "u2", "c-other", base)

	list, err := store.ListCanvases(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, types.CanvasID("c-new"), list[0].CanvasID)
	assert.Equal(t, "state/c-new", list[0].StateStorageKey)

	_, err = store.GetCanvas(ctx, "u2", "c-old")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SoftDeleteCanvas(ctx, "u1", "c-new"))
	assert.ErrorIs(t, store.SoftDeleteCanvas(ctx, "u1", "c-new"), ErrNotFound)

	_, err = store.GetCanvas(ctx, "u1", "c-new")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetCanvasByID(ctx, "c-new")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = store.ListCanvases(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.CanvasID("c-old"), list[0].CanvasID)
}

func TestUpdateCanvasAppliesPatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustInsertCanvas(t, store, "u1", "c1", time.Now().UTC())

	title := "Renamed"
	minimap := "minimap/c1.png"
	updated, err := store.UpdateCanvas(ctx, "u1", "c1", CanvasPatch{Title: &title, MinimapStorageKey: &minimap})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "minimap/c1.png", updated.MinimapStorageKey)
	assert.Equal(t, types.CanvasReady, updated.Status)

	_, err = store.UpdateCanvas(ctx, "u2", "c1", CanvasPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelationsInsertIgnoresDuplicatesAndSoftDeletes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	doc := types.Entity{ID: "d-1", Type: types.EntityDocument}
	res := types.Entity{ID: "r-1", Type: types.EntityResource}
	rel := func(canvas types.CanvasID, e types.Entity) types.EntityRelation {
		return types.EntityRelation{CanvasID: canvas, EntityID: e.ID, EntityType: e.Type}
	}

	require.NoError(t, store.InsertRelations(ctx, []types.EntityRelation{rel("c1", doc), rel("c1", res), rel("c1", doc)}))
	require.NoError(t, store.InsertRelations(ctx, []types.EntityRelation{rel("c1", doc), rel("c2", doc)}))

	relations, err := store.ListRelationsByCanvas(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, relations, 2)

	byEntity, err := store.ListRelationsByEntities(ctx, []types.Entity{doc})
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	require.NoError(t, store.SoftDeleteRelations(ctx, "c1", []types.Entity{doc}))
	relations, err = store.ListRelationsByCanvas(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, res, relations[0].Entity())

	// A relation removed earlier can be re-established.
	require.NoError(t, store.InsertRelations(ctx, []types.EntityRelation{rel("c1", doc)}))
	relations, err = store.ListRelationsByCanvas(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, relations, 2)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Store) error {
		mustInsertCanvas(t, tx, "u1", "c1", time.Now().UTC())
		require.NoError(t, tx.InsertDuplicateRecord(ctx, types.DuplicateRecord{
			UID: "u1", SourceID: "src", TargetID: "c1", EntityType: types.EntityCanvas, Status: types.DuplicatePending,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetCanvasByID(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetDuplicateRecord(ctx, "src", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateRecordTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.WithTx(ctx, func(tx Store) error {
		if err := tx.InsertCanvas(ctx, types.Canvas{UID: "u1", CanvasID: "c2", Status: types.CanvasDuplicating, StateStorageKey: "state/c2"}); err != nil {
			return err
		}
		return tx.InsertDuplicateRecord(ctx, types.DuplicateRecord{
			UID: "u1", SourceID: "c1", TargetID: "c2", EntityType: types.EntityCanvas, Status: types.DuplicatePending,
		})
	}))

	require.NoError(t, store.WithTx(ctx, func(tx Store) error {
		if err := tx.SetCanvasStatus(ctx, "c2", types.CanvasReady); err != nil {
			return err
		}
		return tx.SetDuplicateStatus(ctx, "c1", "c2", types.DuplicateFinish)
	}))

	record, err := store.GetDuplicateRecord(ctx, "c1", "c2")
	require.NoError(t, err)
	assert.Equal(t, types.DuplicateFinish, record.Status)
	canvas, err := store.GetCanvasByID(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, types.CanvasReady, canvas.Status)
}

func TestEntitiesAndActionResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertUser(ctx, types.User{UID: "u1", Name: "Ada"}))
	require.NoError(t, store.UpsertUser(ctx, types.User{UID: "u1", Name: "Ada L."}))
	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", user.Name)
	_, err = store.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.InsertEntity(ctx, types.EntityRecord{EntityID: "d-1", EntityType: types.EntityDocument, UID: "u1", Title: "Notes"}))
	require.NoError(t, store.InsertEntity(ctx, types.EntityRecord{EntityID: "r-1", EntityType: types.EntityResource, UID: "u1", Title: "Paper"}))

	records, err := store.ListEntities(ctx, []types.Entity{{ID: "d-1", Type: types.EntityDocument}, {ID: "r-1", Type: types.EntityDocument}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Notes", records[0].Title)

	require.NoError(t, store.SoftDeleteEntity(ctx, types.Entity{ID: "d-1", Type: types.EntityDocument}))
	_, err = store.GetEntity(ctx, types.Entity{ID: "d-1", Type: types.EntityDocument})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.InsertActionResult(ctx, types.ActionResult{
		ResultID: "ar-1", UID: "u1", TargetID: "c1", TargetType: types.EntityCanvas,
		Title: "Summary", Query: "summarize", Steps: []types.ActionStep{{Name: "answer", Content: "done"}},
	}))
	results, err := store.ListActionResultsByTarget(ctx, types.EntityCanvas, "c1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []types.ActionStep{{Name: "answer", Content: "done"}}, results[0].Steps)

	files := []types.StaticFile{{StorageKey: "static/a.png", UID: "u2", EntityID: "c2", EntityType: types.EntityCanvas}}
	require.NoError(t, store.LinkFiles(ctx, files))
	require.NoError(t, store.LinkFiles(ctx, files))
	linked, err := store.ListFiles(ctx, types.EntityCanvas, "c2")
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}
