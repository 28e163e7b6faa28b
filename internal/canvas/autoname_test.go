package canvas

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/types"
)

func TestAutoNameWithoutContentSkipsModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	title, err := f.svc.AutoName(ctx, "alice", c.CanvasID, true)
	require.NoError(t, err)
	assert.Equal(t, "", title)
	assert.Empty(t, f.titles.calls())
}

func TestAutoNameIgnoresBlankActionResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	require.NoError(t, f.store.InsertActionResult(ctx, types.ActionResult{
		ResultID:   "ar-blank",
		UID:        "alice",
		TargetID:   string(c.CanvasID),
		TargetType: types.EntityCanvas,
		Steps:      []types.ActionStep{{Name: "answer", Content: "  "}},
	}))

	title, err := f.svc.AutoName(ctx, "alice", c.CanvasID, true)
	require.NoError(t, err)
	assert.Equal(t, "", title)
	assert.Empty(t, f.titles.calls())

	require.NoError(t, f.store.InsertEntity(ctx, types.EntityRecord{EntityID: "d-1", EntityType: types.EntityDocument, UID: "alice", Title: "Trip plan"}))
	require.NoError(t, f.store.InsertRelations(ctx, []types.EntityRelation{{CanvasID: c.CanvasID, EntityID: "d-1", EntityType: types.EntityDocument}}))

	title, err = f.svc.AutoName(ctx, "alice", c.CanvasID, false)
	require.NoError(t, err)
	assert.Equal(t, "Generated", title)
	calls := f.titles.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "Trip plan")
	assert.NotContains(t, calls[0], "Question:")
}

func TestAutoNamePrefersActionResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	require.NoError(t, f.store.InsertEntity(ctx, types.EntityRecord{EntityID: "d-1", EntityType: types.EntityDocument, UID: "alice", Title: "Ignored doc"}))
	require.NoError(t, f.store.InsertRelations(ctx, []types.EntityRelation{{CanvasID: c.CanvasID, EntityID: "d-1", EntityType: types.EntityDocument}}))
	require.NoError(t, f.store.InsertActionResult(ctx, types.ActionResult{
		ResultID:   "ar-1",
		UID:        "alice",
		TargetID:   string(c.CanvasID),
		TargetType: types.EntityCanvas,
		Title:      "fallback",
		Query:      "best hiking trails",
		Steps:      []types.ActionStep{{Name: "answer", Content: strings.Repeat("x", maxStepRunes+50)}},
	}))

	title, err := f.svc.AutoName(ctx, "alice", c.CanvasID, true)
	require.NoError(t, err)
	assert.Equal(t, "Generated", title)

	calls := f.titles.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "best hiking trails")
	assert.NotContains(t, calls[0], "Ignored doc")
	assert.NotContains(t, calls[0], strings.Repeat("x", maxStepRunes+1))

	detail, err := f.svc.Get(ctx, "alice", c.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, "Generated", detail.Title)
}

func TestAutoNameFallsBackToRelatedEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "alice", "keep me")
	require.NoError(t, err)
	require.NoError(t, f.store.InsertEntity(ctx, types.EntityRecord{
		EntityID: "r-1", EntityType: types.EntityResource, UID: "alice", Title: "Climbing guide", ContentPreview: "ropes",
	}))
	require.NoError(t, f.store.InsertRelations(ctx, []types.EntityRelation{{CanvasID: c.CanvasID, EntityID: "r-1", EntityType: types.EntityResource}}))

	title, err := f.svc.AutoName(ctx, "alice", c.CanvasID, false)
	require.NoError(t, err)
	assert.Equal(t, "Generated", title)
	require.Len(t, f.titles.calls(), 1)
	assert.Contains(t, f.titles.calls()[0], "Climbing guide")

	detail, err := f.svc.Get(ctx, "alice", c.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", detail.Title)
}

func TestAutoNameJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.Create(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, f.store.InsertActionResult(ctx, types.ActionResult{
		ResultID: "ar-1", UID: "alice", TargetID: string(c.CanvasID), TargetType: types.EntityCanvas, Query: "q",
	}))

	require.NoError(t, f.svc.EnqueueAutoName(ctx, "alice", c.CanvasID))
	require.NoError(t, f.svc.EnqueueAutoName(ctx, "alice", c.CanvasID))
	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "alice:"+string(c.CanvasID), pending[0].ID)

	// Unknown user: no-op.
	require.NoError(t, f.svc.HandleAutoNameJob(ctx, pending[0]))
	assert.Empty(t, f.titles.calls())

	require.NoError(t, f.store.UpsertUser(ctx, types.User{UID: "alice"}))
	worker := queue.NewWorker(f.queue, f.svc.logger)
	f.svc.RegisterJobs(worker)
	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	detail, err := f.svc.Get(ctx, "alice", c.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, "Generated", detail.Title)
}
