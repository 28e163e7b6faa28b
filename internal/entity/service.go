package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

// DeleteJobName is the queue job that deletes an entity and detaches it from
// every canvas.
const DeleteJobName = "deleteEntity"

// ErrNotDuplicable is returned for entity types that have no fork routine.
var ErrNotDuplicable = errors.New("entity: type cannot be duplicated")

// Remover detaches deleted entities from every canvas that references them.
type Remover interface {
	RemoveEntityEverywhere(ctx context.Context, entities []types.Entity) error
}

// DuplicateOptions scope a fork.
type DuplicateOptions struct {
	// TargetCanvasID is set on forked AI responses so they belong to the new
	// canvas.
	TargetCanvasID types.CanvasID
}

// DeletePayload is the body of a DeleteJobName job.
type DeletePayload struct {
	EntityID   types.EntityID   `json:"entityId"`
	EntityType types.EntityType `json:"entityType"`
	UID        types.UserID     `json:"uid"`
}

// Service owns the document, resource and AI response entities embedded in
// canvases.
type Service struct {
	store   storage.Store
	objects objectstore.Store
	remover Remover
	logger  zerolog.Logger
}

// NewService constructs the entity service.
func NewService(store storage.Store, objects objectstore.Store, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		objects: objects,
		logger:  logger.With().Str("component", "entity_service").Logger(),
	}
}

// SetRemover wires the canvas-side cascade. It must be called before jobs are
// processed.
func (s *Service) SetRemover(r Remover) { s.remover = r }

// Duplicate forks entity for uid and returns the new entity id.
func (s *Service) Duplicate(ctx context.Context, uid types.UserID, entity types.Entity, opts DuplicateOptions) (types.EntityID, error) {
	start := time.Now()
	var (
		id  types.EntityID
		err error
	)
	switch entity.Type {
	case types.EntityDocument:
		id, err = s.DuplicateDocument(ctx, uid, entity.ID)
	case types.EntityResource:
		id, err = s.DuplicateResource(ctx, uid, entity.ID)
	case types.EntitySkillResponse:
		id, err = s.DuplicateActionResult(ctx, uid, entity.ID, opts)
	default:
		err = fmt.Errorf("%w: %s", ErrNotDuplicable, entity.Type)
	}
	observeFork(entity.Type, start, err)
	return id, err
}

// DuplicateDocument copies a document row and its content blob.
func (s *Service) DuplicateDocument(ctx context.Context, uid types.UserID, sourceID types.EntityID) (types.EntityID, error) {
	return s.duplicateRecord(ctx, uid, types.Entity{ID: sourceID, Type: types.EntityDocument}, "d-")
}

// DuplicateResource copies a resource row and its content blob.
func (s *Service) DuplicateResource(ctx context.Context, uid types.UserID, sourceID types.EntityID) (types.EntityID, error) {
	return s.duplicateRecord(ctx, uid, types.Entity{ID: sourceID, Type: types.EntityResource}, "r-")
}

func (s *Service) duplicateRecord(ctx context.Context, uid types.UserID, source types.Entity, prefix string) (types.EntityID, error) {
	record, err := s.store.GetEntity(ctx, source)
	if err != nil {
		return "", fmt.Errorf("duplicate %s %s: %w", source.Type, source.ID, err)
	}

	newID := NewID(prefix)
	clone := record
	clone.EntityID = newID
	clone.UID = uid
	clone.CreatedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	clone.DeletedAt = nil
	if record.StorageKey != "" {
		clone.StorageKey = contentKey(source.Type, newID)
		if err := s.objects.Copy(ctx, record.StorageKey, clone.StorageKey); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("copy %s content: %w", source.Type, err)
		}
	}

	files, err := s.store.ListFiles(ctx, source.Type, string(source.ID))
	if err != nil {
		return "", err
	}
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.InsertEntity(ctx, clone); err != nil {
			return err
		}
		return tx.LinkFiles(ctx, relink(files, uid, string(newID)))
	})
	if err != nil {
		return "", fmt.Errorf("duplicate %s %s: %w", source.Type, source.ID, err)
	}
	s.logger.Debug().Str("entity", string(source.ID)).Str("fork", string(newID)).Msg("entity duplicated")
	return newID, nil
}

// DuplicateActionResult copies an AI response and its steps.
func (s *Service) DuplicateActionResult(ctx context.Context, uid types.UserID, sourceID types.EntityID, opts DuplicateOptions) (types.EntityID, error) {
	result, err := s.store.GetActionResult(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("duplicate action result %s: %w", sourceID, err)
	}

	clone := result
	clone.ResultID = NewID("ar-")
	clone.UID = uid
	clone.CreatedAt = time.Time{}
	clone.DeletedAt = nil
	clone.Steps = append([]types.ActionStep(nil), result.Steps...)
	if opts.TargetCanvasID != "" {
		clone.TargetType = types.EntityCanvas
		clone.TargetID = string(opts.TargetCanvasID)
	}
	if err := s.store.InsertActionResult(ctx, clone); err != nil {
		return "", fmt.Errorf("duplicate action result %s: %w", sourceID, err)
	}
	return clone.ResultID, nil
}

// ListActionResultsByTarget returns the AI responses produced for a canvas.
func (s *Service) ListActionResultsByTarget(ctx context.Context, canvasID types.CanvasID) ([]types.ActionResult, error) {
	return s.store.ListActionResultsByTarget(ctx, types.EntityCanvas, string(canvasID))
}

// ListSummaries returns the stored rows of the given documents and resources.
func (s *Service) ListSummaries(ctx context.Context, entities []types.Entity) ([]types.EntityRecord, error) {
	filtered := make([]types.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Type == types.EntityDocument || e.Type == types.EntityResource {
			filtered = append(filtered, e)
		}
	}
	return s.store.ListEntities(ctx, filtered)
}

// DeleteEntity soft-deletes an entity, removes its content blob and detaches
// it from every canvas. Deleting an already deleted entity still runs the
// cascade so retried jobs converge.
func (s *Service) DeleteEntity(ctx context.Context, uid types.UserID, entity types.Entity) error {
	logger := s.logger.With().Str("uid", string(uid)).Str("entity", string(entity.ID)).Logger()

	switch entity.Type {
	case types.EntitySkillResponse:
		if err := s.store.SoftDeleteActionResult(ctx, entity.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	default:
		record, err := s.store.GetEntity(ctx, entity)
		switch {
		case err == nil:
			if err := s.store.SoftDeleteEntity(ctx, entity); err != nil {
				return err
			}
			if record.StorageKey != "" {
				if err := s.objects.Remove(ctx, record.StorageKey); err != nil {
					logger.Warn().Err(err).Str("key", record.StorageKey).Msg("failed to remove entity content")
				}
			}
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug().Msg("entity already deleted")
		default:
			return err
		}
	}

	if s.remover == nil {
		return nil
	}
	return s.remover.RemoveEntityEverywhere(ctx, []types.Entity{entity})
}

// HandleDeleteJob is the queue handler for DeleteJobName.
func (s *Service) HandleDeleteJob(ctx context.Context, job queue.Job) error {
	var payload DeletePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.EntityID == "" {
		return fmt.Errorf("%s job %s: missing entity id", DeleteJobName, job.ID)
	}
	return s.DeleteEntity(ctx, payload.UID, types.Entity{ID: payload.EntityID, Type: payload.EntityType})
}

// NewID allocates an entity id with the given prefix.
func NewID(prefix string) types.EntityID {
	return types.EntityID(prefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func contentKey(entityType types.EntityType, id types.EntityID) string {
	return fmt.Sprintf("%s/%s", entityType, id)
}

func relink(files []types.StaticFile, uid types.UserID, entityID string) []types.StaticFile {
	out := make([]types.StaticFile, 0, len(files))
	for _, f := range files {
		out = append(out, types.StaticFile{
			StorageKey: f.StorageKey,
			UID:        uid,
			EntityID:   entityID,
			EntityType: f.EntityType,
		})
	}
	return out
}
