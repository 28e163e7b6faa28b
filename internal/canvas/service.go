package canvas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/collab"
	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/entity"
	"github.com/example/canvas-engine/internal/llm"
	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/search"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	minimapURLTTL   = time.Hour
	readerClientID  = types.ClientID("canvas-reader")
)

// EntityService is the downstream collaborator that forks and summarizes the
// entities canvases embed.
type EntityService interface {
	Duplicate(ctx context.Context, uid types.UserID, entity types.Entity, opts entity.DuplicateOptions) (types.EntityID, error)
	ListActionResultsByTarget(ctx context.Context, canvasID types.CanvasID) ([]types.ActionResult, error)
	ListSummaries(ctx context.Context, entities []types.Entity) ([]types.EntityRecord, error)
}

// Dependencies bundles the collaborators of a Service.
type Dependencies struct {
	Store    storage.Store
	Objects  objectstore.Store
	Index    search.Index
	Sessions *collab.Manager
	Queue    queue.Queue
	Entities EntityService
	Titles   llm.TitleGenerator
	Logger   zerolog.Logger
}

// Service orchestrates canvas metadata, document content, the search index
// and the entity relation index.
type Service struct {
	store    storage.Store
	objects  objectstore.Store
	index    search.Index
	sessions *collab.Manager
	queue    queue.Queue
	entities EntityService
	titles   llm.TitleGenerator
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService validates deps and constructs the service.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("canvas service: relational store is required")
	case deps.Objects == nil:
		return nil, errors.New("canvas service: object store is required")
	case deps.Sessions == nil:
		return nil, errors.New("canvas service: session manager is required")
	case deps.Queue == nil:
		return nil, errors.New("canvas service: job queue is required")
	case deps.Entities == nil:
		return nil, errors.New("canvas service: entity service is required")
	}
	index := deps.Index
	if index == nil {
		index = search.Noop{}
	}
	return &Service{
		store:    deps.Store,
		objects:  deps.Objects,
		index:    index,
		sessions: deps.Sessions,
		queue:    deps.Queue,
		entities: deps.Entities,
		titles:   deps.Titles,
		logger:   deps.Logger.With().Str("component", "canvas_service").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Detail is a canvas row enriched for display.
type Detail struct {
	types.Canvas
	MinimapURL string `json:"minimapUrl,omitempty"`
}

// RawData is the full content of a canvas.
type RawData struct {
	Title      string       `json:"title"`
	Nodes      []types.Node `json:"nodes"`
	Edges      []types.Edge `json:"edges"`
	Owner      types.User   `json:"owner"`
	MinimapURL string       `json:"minimapUrl,omitempty"`
}

// UpdateParams is a partial canvas update. Nil fields are left unchanged.
type UpdateParams struct {
	Title             *string
	MinimapStorageKey *string
}

// DeleteOptions tune Delete.
type DeleteOptions struct {
	// DeleteAllFiles enqueues a cascading delete for every entity the canvas
	// references.
	DeleteAllFiles bool
}

type content struct {
	title string
	nodes []types.Node
	edges []types.Edge
}

func newCanvasID() types.CanvasID {
	return types.CanvasID("c-" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func stateKey(id types.CanvasID) string {
	return fmt.Sprintf("state/%s", id)
}

// Create allocates a canvas with an empty document titled title. The blob is
// written before the row so a live row always points at a readable snapshot.
func (s *Service) Create(ctx context.Context, uid types.UserID, title string) (types.Canvas, error) {
	if uid == "" {
		return types.Canvas{}, newServiceError(opCreate, reasonInvalid, fmt.Errorf("%w: owner is required", ErrInvalidArgument))
	}
	id := newCanvasID()
	key := stateKey(id)

	engine := s.sessions.Engine()
	doc := engine.New()
	if _, err := doc.Transact(func(tx *crdt.Transaction) error { return tx.SetTitle(title) }); err != nil {
		return types.Canvas{}, newServiceError(opCreate, reasonDocument, err)
	}
	if err := engine.Save(ctx, key, doc); err != nil {
		return types.Canvas{}, newServiceError(opCreate, reasonStorage, err)
	}

	now := s.now()
	c := types.Canvas{
		UID:             uid,
		CanvasID:        id,
		Title:           title,
		Status:          types.CanvasReady,
		StateStorageKey: key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertCanvas(ctx, c); err != nil {
		return types.Canvas{}, newServiceError(opCreate, reasonStorage, err)
	}
	s.upsertIndex(ctx, c)
	canvasesCreated.Inc()
	s.logger.Info().Str("uid", string(uid)).Str("canvas", string(id)).Msg("canvas created")
	return c, nil
}

// Get returns a live canvas owned by uid.
func (s *Service) Get(ctx context.Context, uid types.UserID, canvasID types.CanvasID) (Detail, error) {
	c, err := s.store.GetCanvas(ctx, uid, canvasID)
	if err != nil {
		return Detail{}, lookupError(opGet, err)
	}
	return Detail{Canvas: c, MinimapURL: s.minimapURL(ctx, c)}, nil
}

// GetRawData returns the document content of a canvas with its owner.
func (s *Service) GetRawData(ctx context.Context, uid types.UserID, canvasID types.CanvasID) (RawData, error) {
	c, err := s.store.GetCanvas(ctx, uid, canvasID)
	if err != nil {
		return RawData{}, lookupError(opRawData, err)
	}
	doc, err := s.readContent(ctx, c)
	if err != nil {
		return RawData{}, newServiceError(opRawData, reasonDocument, err)
	}

	owner, err := s.store.GetUser(ctx, c.UID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return RawData{}, newServiceError(opRawData, reasonStorage, err)
		}
		owner = types.User{UID: c.UID}
	}
	return RawData{
		Title:      doc.title,
		Nodes:      doc.nodes,
		Edges:      doc.edges,
		Owner:      owner,
		MinimapURL: s.minimapURL(ctx, c),
	}, nil
}

// List returns a page of live canvases, most recently updated first. Pages
// start at 1.
func (s *Service) List(ctx context.Context, uid types.UserID, page, pageSize int) ([]types.Canvas, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = defaultPageSize
	case pageSize > maxPageSize:
		pageSize = maxPageSize
	}
	canvases, err := s.store.ListCanvases(ctx, uid, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, newServiceError(opList, reasonStorage, err)
	}
	return canvases, nil
}

// Update changes the title and/or minimap of a canvas. The previous minimap
// blob is removed only after the row update commits.
func (s *Service) Update(ctx context.Context, uid types.UserID, canvasID types.CanvasID, params UpdateParams) (types.Canvas, error) {
	if params.Title == nil && params.MinimapStorageKey == nil {
		c, err := s.store.GetCanvas(ctx, uid, canvasID)
		if err != nil {
			return types.Canvas{}, lookupError(opUpdate, err)
		}
		return c, nil
	}

	var previous, updated types.Canvas
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		if previous, err = tx.GetCanvas(ctx, uid, canvasID); err != nil {
			return err
		}
		updated, err = tx.UpdateCanvas(ctx, uid, canvasID, storage.CanvasPatch{
			Title:             params.Title,
			MinimapStorageKey: params.MinimapStorageKey,
		})
		return err
	})
	if err != nil {
		return types.Canvas{}, lookupError(opUpdate, err)
	}

	if params.Title != nil {
		title := *params.Title
		if err := s.withSession(ctx, updated, func(tx *crdt.Transaction) error {
			return tx.SetTitle(title)
		}); err != nil {
			return types.Canvas{}, newServiceError(opUpdate, reasonSession, err)
		}
	}

	if params.MinimapStorageKey != nil && previous.MinimapStorageKey != "" && previous.MinimapStorageKey != *params.MinimapStorageKey {
		if err := s.objects.Remove(ctx, previous.MinimapStorageKey); err != nil {
			s.logger.Warn().Err(err).Str("canvas", string(canvasID)).Str("key", previous.MinimapStorageKey).Msg("failed to remove previous minimap")
		}
	}

	s.upsertIndex(ctx, updated)
	return updated, nil
}

// Delete soft-deletes a canvas, drops it from the index and removes its state
// blob. With DeleteAllFiles every referenced entity is queued for deletion.
func (s *Service) Delete(ctx context.Context, uid types.UserID, canvasID types.CanvasID, opts DeleteOptions) error {
	c, err := s.store.GetCanvas(ctx, uid, canvasID)
	if err != nil {
		return lookupError(opDelete, err)
	}

	var relations []types.EntityRelation
	if opts.DeleteAllFiles {
		if relations, err = s.store.ListRelationsByCanvas(ctx, canvasID); err != nil {
			return newServiceError(opDelete, reasonStorage, err)
		}
	}

	// A live room must not write the state blob back after it is removed.
	s.sessions.Discard(canvasID)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 3)
	)
	wg.Go(func() { errs[0] = s.store.SoftDeleteCanvas(ctx, uid, canvasID) })
	wg.Go(func() { errs[1] = s.index.DeleteCanvas(ctx, canvasID) })
	wg.Go(func() { errs[2] = s.objects.Remove(ctx, c.StateStorageKey) })
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return newServiceError(opDelete, reasonStorage, err)
	}

	var enqueueErrs []error
	for _, rel := range relations {
		job, err := queue.NewJob(entity.DeleteJobName, string(rel.EntityID), entity.DeletePayload{
			EntityID:   rel.EntityID,
			EntityType: rel.EntityType,
			UID:        uid,
		})
		if err != nil {
			enqueueErrs = append(enqueueErrs, err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			enqueueErrs = append(enqueueErrs, err)
		}
	}
	if err := errors.Join(enqueueErrs...); err != nil {
		return newServiceError(opDelete, reasonEnqueue, err)
	}

	canvasesDeleted.Inc()
	s.logger.Info().
		Str("uid", string(uid)).
		Str("canvas", string(canvasID)).
		Int("cascaded", len(relations)).
		Msg("canvas deleted")
	return nil
}

// Search looks canvases of uid up by title. Hits may lag the relational
// store.
func (s *Service) Search(ctx context.Context, uid types.UserID, query string, limit int) ([]search.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, newServiceError(opSearch, reasonInvalid, fmt.Errorf("%w: query is required", ErrInvalidArgument))
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	hits, err := s.index.SearchCanvases(ctx, uid, query, limit)
	if err != nil {
		return nil, newServiceError(opSearch, reasonIndex, err)
	}
	return hits, nil
}

// withSession runs fn in a programmatic session on c and closes it.
func (s *Service) withSession(ctx context.Context, c types.Canvas, fn func(*crdt.Transaction) error) error {
	session, err := s.sessions.Open(ctx, c.CanvasID, c.StateStorageKey, collab.SessionOptions{Programmatic: true})
	if err != nil {
		return err
	}
	_, txErr := session.Transact(ctx, fn)
	return errors.Join(txErr, session.Close(ctx))
}

// readContent snapshots the current document of c without mutating it.
func (s *Service) readContent(ctx context.Context, c types.Canvas) (content, error) {
	session, err := s.sessions.Open(ctx, c.CanvasID, c.StateStorageKey, collab.SessionOptions{ClientID: readerClientID})
	if err != nil {
		return content{}, err
	}
	defer func() {
		if err := session.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("canvas", string(c.CanvasID)).Msg("closing read session failed")
		}
	}()

	doc := session.Document()
	nodes, err := doc.Nodes()
	if err != nil {
		return content{}, err
	}
	edges, err := doc.Edges()
	if err != nil {
		return content{}, err
	}
	return content{title: doc.Title(), nodes: nodes, edges: edges}, nil
}

func (s *Service) minimapURL(ctx context.Context, c types.Canvas) string {
	if c.MinimapStorageKey == "" {
		return ""
	}
	url, err := s.objects.PresignedGetURL(ctx, c.MinimapStorageKey, minimapURLTTL)
	if err != nil {
		s.logger.Warn().Err(err).Str("canvas", string(c.CanvasID)).Msg("minimap url unavailable")
		return ""
	}
	return url
}

// upsertIndex refreshes the search entry. Failures are logged only.
func (s *Service) upsertIndex(ctx context.Context, c types.Canvas) {
	err := s.index.UpsertCanvas(ctx, search.CanvasDocument{
		CanvasID:  c.CanvasID,
		UID:       c.UID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
	if err != nil {
		indexFailures.Inc()
		s.logger.Warn().Err(err).Str("canvas", string(c.CanvasID)).Msg("search index upsert failed")
	}
}
