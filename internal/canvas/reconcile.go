package canvas

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

const removeConcurrency = 3

// ReconcileResult reports how the relation index changed.
type ReconcileResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Reconcile makes the live relation rows of a canvas match the entities its
// document nodes reference. It is idempotent.
func (s *Service) Reconcile(ctx context.Context, canvasID types.CanvasID) (ReconcileResult, error) {
	c, err := s.store.GetCanvasByID(ctx, canvasID)
	if err != nil {
		return ReconcileResult{}, lookupError(opReconcile, err)
	}
	doc, err := s.readContent(ctx, c)
	if err != nil {
		return ReconcileResult{}, newServiceError(opReconcile, reasonDocument, err)
	}
	existing, err := s.store.ListRelationsByCanvas(ctx, canvasID)
	if err != nil {
		return ReconcileResult{}, newServiceError(opReconcile, reasonStorage, err)
	}

	desired := relationsFor(canvasID, doc.nodes)
	wanted := make(map[types.Entity]struct{}, len(desired))
	for _, r := range desired {
		wanted[r.Entity()] = struct{}{}
	}
	have := make(map[types.Entity]struct{}, len(existing))
	var stale []types.Entity
	for _, r := range existing {
		e := r.Entity()
		have[e] = struct{}{}
		if _, ok := wanted[e]; !ok {
			stale = append(stale, e)
		}
	}
	var missing []types.EntityRelation
	for _, r := range desired {
		if _, ok := have[r.Entity()]; !ok {
			missing = append(missing, r)
		}
	}

	if len(stale) == 0 && len(missing) == 0 {
		return ReconcileResult{}, nil
	}
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if len(stale) > 0 {
			if err := tx.SoftDeleteRelations(ctx, canvasID, stale); err != nil {
				return err
			}
		}
		return tx.InsertRelations(ctx, missing)
	})
	if err != nil {
		return ReconcileResult{}, newServiceError(opReconcile, reasonStorage, err)
	}

	result := ReconcileResult{Added: len(missing), Removed: len(stale)}
	s.logger.Debug().
		Str("canvas", string(canvasID)).
		Int("added", result.Added).
		Int("removed", result.Removed).
		Msg("relations reconciled")
	return result, nil
}

// RemoveEntityEverywhere deletes every node referencing one of entities from
// every canvas that links to it, along with edges left dangling, then
// soft-deletes the matching relation rows.
func (s *Service) RemoveEntityEverywhere(ctx context.Context, entities []types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	relations, err := s.store.ListRelationsByEntities(ctx, entities)
	if err != nil {
		return newServiceError(opRemoveEntity, reasonStorage, err)
	}

	byCanvas := make(map[types.CanvasID][]types.Entity)
	for _, r := range relations {
		byCanvas[r.CanvasID] = append(byCanvas[r.CanvasID], r.Entity())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(removeConcurrency)
	for canvasID, matched := range byCanvas {
		g.Go(func() error {
			return s.removeFromCanvas(gctx, canvasID, matched)
		})
	}
	if err := g.Wait(); err != nil {
		return newServiceError(opRemoveEntity, reasonSession, err)
	}
	return nil
}

func (s *Service) removeFromCanvas(ctx context.Context, canvasID types.CanvasID, entities []types.Entity) error {
	c, err := s.store.GetCanvasByID(ctx, canvasID)
	switch {
	case err == nil:
		if err := s.withSession(ctx, c, removeNodesTx(entities)); err != nil {
			return fmt.Errorf("canvas %s: %w", canvasID, err)
		}
	case errors.Is(err, storage.ErrNotFound):
		// Deleted canvas; only its relation rows remain.
	default:
		return err
	}
	if err := s.store.SoftDeleteRelations(ctx, canvasID, entities); err != nil {
		return fmt.Errorf("canvas %s relations: %w", canvasID, err)
	}
	nodesRemoved.Add(float64(len(entities)))
	return nil
}

func removeNodesTx(entities []types.Entity) func(*crdt.Transaction) error {
	targets := make(map[types.Entity]struct{}, len(entities))
	for _, e := range entities {
		targets[e] = struct{}{}
	}
	return func(tx *crdt.Transaction) error {
		nodes, err := tx.Nodes()
		if err != nil {
			return err
		}
		var indices []int
		removed := make(map[string]struct{})
		for i, n := range nodes {
			if _, ok := targets[n.Entity()]; ok {
				indices = append(indices, i)
				removed[n.ID] = struct{}{}
			}
		}
		if len(indices) == 0 {
			return nil
		}
		if err := tx.DeleteNodes(indices); err != nil {
			return err
		}

		edges, err := tx.Edges()
		if err != nil {
			return err
		}
		for i := len(edges) - 1; i >= 0; i-- {
			_, src := removed[edges[i].Source]
			_, dst := removed[edges[i].Target]
			if src || dst {
				if err := tx.DeleteEdge(i); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
