package canvas

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/entity"
	"github.com/example/canvas-engine/internal/types"
)

type failingForks struct {
	*entity.Service
}

func (failingForks) Duplicate(context.Context, types.UserID, types.Entity, entity.DuplicateOptions) (types.EntityID, error) {
	return "", errors.New("downstream unavailable")
}

func seedSource(t *testing.T, f *fixture) types.Canvas {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "alice", "Source")
	require.NoError(t, err)

	for _, rec := range []types.EntityRecord{
		{EntityID: "d-1", EntityType: types.EntityDocument, UID: "alice", Title: "Doc"},
		{EntityID: "r-1", EntityType: types.EntityResource, UID: "alice", Title: "Paper"},
	} {
		require.NoError(t, f.store.InsertEntity(ctx, rec))
	}
	f.seed(t, c, []types.Node{
		docNode("n1", types.EntityDocument, "d-1"),
		docNode("n2", types.EntityResource, "r-1"),
		docNode("n3", types.EntityMemo, "m-1"),
	}, []types.Edge{{ID: "e1", Source: "n1", Target: "n2"}})
	return c
}

func TestDuplicateWithoutForkKeepsEntityIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := seedSource(t, f)

	target, err := f.svc.Duplicate(ctx, "alice", src.CanvasID, DuplicateParams{})
	require.NoError(t, err)
	assert.Equal(t, types.CanvasReady, target.Status)
	assert.Equal(t, "Source", target.Title)

	srcRaw, err := f.svc.GetRawData(ctx, "alice", src.CanvasID)
	require.NoError(t, err)
	dstRaw, err := f.svc.GetRawData(ctx, "alice", target.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, srcRaw.Nodes, dstRaw.Nodes)
	assert.Equal(t, srcRaw.Edges, dstRaw.Edges)

	record, err := f.store.GetDuplicateRecord(ctx, string(src.CanvasID), string(target.CanvasID))
	require.NoError(t, err)
	assert.Equal(t, types.DuplicateFinish, record.Status)

	row, err := f.store.GetCanvasByID(ctx, target.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, types.CanvasReady, row.Status)

	relations, err := f.store.ListRelationsByCanvas(ctx, target.CanvasID)
	require.NoError(t, err)
	assert.Len(t, relations, 3)
}

func TestDuplicateWithForkRewritesEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := seedSource(t, f)

	target, err := f.svc.Duplicate(ctx, "alice", src.CanvasID, DuplicateParams{Title: "Copy", ForkEntities: true})
	require.NoError(t, err)

	raw, err := f.svc.GetRawData(ctx, "alice", target.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, "Copy", raw.Title)
	require.Len(t, raw.Nodes, 3)

	for i, original := range []types.EntityID{"d-1", "r-1"} {
		n := raw.Nodes[i]
		assert.NotEqual(t, original, n.Data.EntityID)
		fork, err := f.store.GetEntity(ctx, n.Entity())
		require.NoError(t, err)
		assert.Equal(t, types.UserID("alice"), fork.UID)
	}
	// Memos are not forkable.
	assert.Equal(t, types.EntityID("m-1"), raw.Nodes[2].Data.EntityID)
}

func TestDuplicateFailureMarksRecordAndCanvasFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, func(s *entity.Service) EntityService { return failingForks{s} })
	src := seedSource(t, f)

	_, err := f.svc.Duplicate(ctx, "bob", src.CanvasID, DuplicateParams{ForkEntities: true})
	require.Error(t, err)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "canvas.duplicate.copy_failed", svcErr.Code())

	canvases, err := f.store.ListCanvases(ctx, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, canvases, 1)
	assert.Equal(t, types.CanvasFailed, canvases[0].Status)

	record, err := f.store.GetDuplicateRecord(ctx, string(src.CanvasID), string(canvases[0].CanvasID))
	require.NoError(t, err)
	assert.Equal(t, types.DuplicateFailed, record.Status)
}

func TestDuplicateAcrossOwnersLinksFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := seedSource(t, f)
	require.NoError(t, f.store.LinkFiles(ctx, []types.StaticFile{{
		StorageKey: "static/cover.png",
		UID:        "alice",
		EntityID:   string(src.CanvasID),
		EntityType: types.EntityCanvas,
	}}))

	target, err := f.svc.Duplicate(ctx, "bob", src.CanvasID, DuplicateParams{})
	require.NoError(t, err)
	assert.Equal(t, types.UserID("bob"), target.UID)

	files, err := f.store.ListFiles(ctx, types.EntityCanvas, string(target.CanvasID))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "static/cover.png", files[0].StorageKey)
	assert.Equal(t, types.UserID("bob"), files[0].UID)
}

func TestDuplicateEnforcesOwnershipWhenAsked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := seedSource(t, f)

	_, err := f.svc.Duplicate(ctx, "bob", src.CanvasID, DuplicateParams{RequireOwnership: true})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Duplicate(ctx, "alice", "c-missing", DuplicateParams{})
	assert.ErrorIs(t, err, ErrNotFound)
}
