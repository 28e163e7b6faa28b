package storage

import (
	"context"
	"errors"

	"github.com/example/canvas-engine/internal/types"
)

// ErrNotFound is returned when no live row matches a lookup.
var ErrNotFound = errors.New("storage: not found")

// CanvasPatch describes a partial canvas update. Nil fields are unchanged.
type CanvasPatch struct {
	Title             *string
	MinimapStorageKey *string
	Status            *types.CanvasStatus
}

// Empty reports whether the patch changes nothing.
func (p CanvasPatch) Empty() bool {
	return p.Title == nil && p.MinimapStorageKey == nil && p.Status == nil
}

// Store is the relational store backing canvas metadata, the entity relation
// index, duplication records and the downstream entity tables. Soft-deleted
// rows are never returned by lookups.
type Store interface {
	// WithTx runs fn inside a transaction. The Store passed to fn must be used
	// for every statement that should be part of it.
	WithTx(ctx context.Context, fn func(Store) error) error

	InsertCanvas(ctx context.Context, canvas types.Canvas) error
	GetCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) (types.Canvas, error)
	GetCanvasByID(ctx context.Context, canvasID types.CanvasID) (types.Canvas, error)
	ListCanvases(ctx context.Context, uid types.UserID, offset, limit int) ([]types.Canvas, error)
	UpdateCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID, patch CanvasPatch) (types.Canvas, error)
	SetCanvasStatus(ctx context.Context, canvasID types.CanvasID, status types.CanvasStatus) error
	SoftDeleteCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) error

	ListRelationsByCanvas(ctx context.Context, canvasID types.CanvasID) ([]types.EntityRelation, error)
	ListRelationsByEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRelation, error)
	// InsertRelations inserts live relations, skipping ones that already exist.
	InsertRelations(ctx context.Context, relations []types.EntityRelation) error
	SoftDeleteRelations(ctx context.Context, canvasID types.CanvasID, entities []types.Entity) error

	InsertDuplicateRecord(ctx context.Context, record types.DuplicateRecord) error
	SetDuplicateStatus(ctx context.Context, sourceID, targetID string, status types.DuplicateStatus) error
	GetDuplicateRecord(ctx context.Context, sourceID, targetID string) (types.DuplicateRecord, error)

	UpsertUser(ctx context.Context, user types.User) error
	GetUser(ctx context.Context, uid types.UserID) (types.User, error)

	InsertEntity(ctx context.Context, record types.EntityRecord) error
	GetEntity(ctx context.Context, entity types.Entity) (types.EntityRecord, error)
	ListEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRecord, error)
	SoftDeleteEntity(ctx context.Context, entity types.Entity) error

	InsertActionResult(ctx context.Context, result types.ActionResult) error
	GetActionResult(ctx context.Context, resultID types.EntityID) (types.ActionResult, error)
	ListActionResultsByTarget(ctx context.Context, targetType types.EntityType, targetID string) ([]types.ActionResult, error)
	SoftDeleteActionResult(ctx context.Context, resultID types.EntityID) error

	// LinkFiles records blobs as owned by an entity, ignoring existing links.
	LinkFiles(ctx context.Context, files []types.StaticFile) error
	ListFiles(ctx context.Context, entityType types.EntityType, entityID string) ([]types.StaticFile, error)

	Ping(ctx context.Context) error
	Close() error
}

func entityIDs(entities []types.Entity) []string {
	ids := make([]string, 0, len(entities))
	seen := make(map[types.EntityID]struct{}, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		ids = append(ids, string(e.ID))
	}
	return ids
}

func entitySet(entities []types.Entity) map[types.Entity]struct{} {
	set := make(map[types.Entity]struct{}, len(entities))
	for _, e := range entities {
		set[e] = struct{}{}
	}
	return set
}
