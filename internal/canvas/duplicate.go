package canvas

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/entity"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

const forkConcurrency = 5

// DuplicateParams tune Duplicate.
type DuplicateParams struct {
	// Title of the copy. Empty keeps the source title.
	Title string
	// ForkEntities duplicates every forkable entity the source references and
	// points the copied nodes at the forks.
	ForkEntities bool
	// RequireOwnership rejects sources not owned by the caller.
	RequireOwnership bool
}

// Duplicate copies sourceID into a new canvas owned by uid. The target row
// and its DuplicateRecord are committed before any content is copied. A
// failed copy leaves both behind marked failed.
func (s *Service) Duplicate(ctx context.Context, uid types.UserID, sourceID types.CanvasID, params DuplicateParams) (types.Canvas, error) {
	var (
		source types.Canvas
		err    error
	)
	if params.RequireOwnership {
		source, err = s.store.GetCanvas(ctx, uid, sourceID)
	} else {
		source, err = s.store.GetCanvasByID(ctx, sourceID)
	}
	if err != nil {
		return types.Canvas{}, lookupError(opDuplicate, err)
	}

	title := params.Title
	if title == "" {
		title = source.Title
	}
	now := s.now()
	targetID := newCanvasID()
	target := types.Canvas{
		UID:             uid,
		CanvasID:        targetID,
		Title:           title,
		Status:          types.CanvasDuplicating,
		StateStorageKey: stateKey(targetID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.InsertCanvas(ctx, target); err != nil {
			return err
		}
		return tx.InsertDuplicateRecord(ctx, types.DuplicateRecord{
			UID:        uid,
			SourceID:   string(sourceID),
			TargetID:   string(targetID),
			EntityType: types.EntityCanvas,
			Status:     types.DuplicatePending,
		})
	})
	if err != nil {
		return types.Canvas{}, newServiceError(opDuplicate, reasonStorage, err)
	}

	logger := s.logger.With().Str("uid", string(uid)).Str("source", string(sourceID)).Str("canvas", string(targetID)).Logger()
	if copyErr := s.copyContent(ctx, source, target, params); copyErr != nil {
		duplications.WithLabelValues("failed").Inc()
		markErr := s.finishDuplicate(context.WithoutCancel(ctx), source, target, types.CanvasFailed, types.DuplicateFailed)
		if markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record duplication failure")
		}
		logger.Error().Err(copyErr).Msg("canvas duplication failed")
		return types.Canvas{}, newServiceError(opDuplicate, reasonCopy, errors.Join(copyErr, markErr))
	}

	if err := s.finishDuplicate(ctx, source, target, types.CanvasReady, types.DuplicateFinish); err != nil {
		return types.Canvas{}, newServiceError(opDuplicate, reasonStorage, err)
	}
	target.Status = types.CanvasReady
	s.upsertIndex(ctx, target)
	duplications.WithLabelValues("finish").Inc()
	logger.Info().Bool("fork", params.ForkEntities).Msg("canvas duplicated")
	return target, nil
}

func (s *Service) finishDuplicate(ctx context.Context, source, target types.Canvas, canvasStatus types.CanvasStatus, recordStatus types.DuplicateStatus) error {
	return s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.SetCanvasStatus(ctx, target.CanvasID, canvasStatus); err != nil {
			return err
		}
		return tx.SetDuplicateStatus(ctx, string(source.CanvasID), string(target.CanvasID), recordStatus)
	})
}

// copyContent is the duplication body: read the source document, fork
// entities, link files across owners, then write the target document.
func (s *Service) copyContent(ctx context.Context, source, target types.Canvas, params DuplicateParams) error {
	src, err := s.readContent(ctx, source)
	if err != nil {
		return fmt.Errorf("read source document: %w", err)
	}

	nodes := make([]types.Node, len(src.nodes))
	for i, n := range src.nodes {
		nodes[i] = n.Clone()
	}
	if params.ForkEntities {
		if err := s.forkEntities(ctx, target, nodes); err != nil {
			return err
		}
	}

	if source.UID != target.UID {
		files, err := s.store.ListFiles(ctx, types.EntityCanvas, string(source.CanvasID))
		if err != nil {
			return fmt.Errorf("list source files: %w", err)
		}
		linked := make([]types.StaticFile, 0, len(files))
		for _, f := range files {
			linked = append(linked, types.StaticFile{
				StorageKey: f.StorageKey,
				UID:        target.UID,
				EntityID:   string(target.CanvasID),
				EntityType: types.EntityCanvas,
			})
		}
		if err := s.store.LinkFiles(ctx, linked); err != nil {
			return fmt.Errorf("link source files: %w", err)
		}
	}

	engine := s.sessions.Engine()
	doc := engine.New()
	_, err = doc.Transact(func(tx *crdt.Transaction) error {
		if err := tx.SetTitle(target.Title); err != nil {
			return err
		}
		if err := tx.ReplaceNodes(nodes); err != nil {
			return err
		}
		return tx.ReplaceEdges(src.edges)
	})
	if err != nil {
		return fmt.Errorf("build target document: %w", err)
	}
	if err := engine.Save(ctx, target.StateStorageKey, doc); err != nil {
		return err
	}

	if err := s.store.InsertRelations(ctx, relationsFor(target.CanvasID, nodes)); err != nil {
		return fmt.Errorf("index target relations: %w", err)
	}
	return nil
}

// forkEntities duplicates every forkable node entity with bounded
// concurrency and rewrites the nodes in place. Any failure aborts the batch.
func (s *Service) forkEntities(ctx context.Context, target types.Canvas, nodes []types.Node) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forkConcurrency)
	for i := range nodes {
		n := nodes[i]
		if !n.Type.Forkable() || n.Data.EntityID == "" {
			continue
		}
		g.Go(func() error {
			forkID, err := s.entities.Duplicate(gctx, target.UID, n.Entity(), entity.DuplicateOptions{TargetCanvasID: target.CanvasID})
			if err != nil {
				return fmt.Errorf("fork %s %s: %w", n.Type, n.Data.EntityID, err)
			}
			nodes[i].Data.EntityID = forkID
			return nil
		})
	}
	return g.Wait()
}

func relationsFor(canvasID types.CanvasID, nodes []types.Node) []types.EntityRelation {
	seen := make(map[types.Entity]struct{}, len(nodes))
	out := make([]types.EntityRelation, 0, len(nodes))
	for _, n := range nodes {
		e := n.Entity()
		if e.ID == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, types.EntityRelation{CanvasID: canvasID, EntityID: e.ID, EntityType: e.Type})
	}
	return out
}
