package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/example/canvas-engine/internal/crdt"
	syncstate "github.com/example/canvas-engine/internal/sync"
	"github.com/example/canvas-engine/internal/types"
)

const (
	defaultResyncAfter = 2 * time.Second
	publishTimeout     = 5 * time.Second
)

// SessionOptions describe who is opening a session.
type SessionOptions struct {
	// ClientID identifies the editor. Updates it originates are not echoed
	// back to its own subscribers.
	ClientID types.ClientID
	// Programmatic sessions are server-side mutations. They hold the canvas
	// lock for their whole lifetime.
	Programmatic bool
}

// Manager owns the in-memory documents of every canvas with an open session
// on this instance.
type Manager struct {
	engine    *Engine
	locker    Locker
	publisher Publisher
	reorder   *syncstate.UpdateReorderBuffer
	logger    zerolog.Logger

	lockTTL     time.Duration
	resyncAfter time.Duration

	loads singleflight.Group

	mu    sync.Mutex
	rooms map[types.CanvasID]*room
}

type room struct {
	canvasID types.CanvasID
	key      string
	doc      *crdt.Document
	refs      int
	dirty     atomic.Bool
	discarded atomic.Bool
	saveMu    sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLocker replaces the process-local lock with a shared one.
func WithLocker(locker Locker) Option {
	return func(m *Manager) {
		if locker != nil {
			m.locker = locker
		}
	}
}

// WithPublisher fans committed updates out to other instances.
func WithPublisher(publisher Publisher) Option {
	return func(m *Manager) { m.publisher = publisher }
}

// WithLockTTL overrides the lease duration of programmatic sessions.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithResyncAfter overrides how long a causal gap may persist before the room
// reloads its state from storage.
func WithResyncAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resyncAfter = d
		}
	}
}

// NewManager constructs a session manager.
func NewManager(engine *Engine, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		engine:      engine,
		locker:      NewMemoryLocker(0),
		reorder:     syncstate.NewUpdateReorderBuffer(logger),
		logger:      logger.With().Str("component", "session_manager").Logger(),
		lockTTL:     defaultLockTTL,
		resyncAfter: defaultResyncAfter,
		rooms:       make(map[types.CanvasID]*room),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine exposes the underlying load/save engine.
func (m *Manager) Engine() *Engine { return m.engine }

// Open joins the room for canvasID, loading its document from stateKey when
// no session on this instance holds it yet.
func (m *Manager) Open(ctx context.Context, canvasID types.CanvasID, stateKey string, opts SessionOptions) (*Session, error) {
	ctx, span := tracer.Start(ctx, "collab.Open", trace.WithAttributes(
		attribute.String("canvas", string(canvasID)),
		attribute.Bool("programmatic", opts.Programmatic),
	))
	defer span.End()

	var lock Lock
	if opts.Programmatic {
		var err error
		lock, err = m.locker.Acquire(ctx, canvasLockKeyPrefix+string(canvasID), m.lockTTL)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	r, err := m.join(ctx, canvasID, stateKey)
	if err != nil {
		span.RecordError(err)
		if lock != nil {
			_ = lock.Release(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = r.doc.SiteID()
	}
	return &Session{
		manager:  m,
		room:     r,
		lock:     lock,
		clientID: clientID,
	}, nil
}

func (m *Manager) join(ctx context.Context, canvasID types.CanvasID, key string) (*room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[canvasID]; ok {
		r.refs++
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	v, err, _ := m.loads.Do(string(canvasID), func() (any, error) {
		doc, err := m.engine.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			doc = m.engine.New()
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[canvasID]; ok {
		r.refs++
		return r, nil
	}
	r := &room{canvasID: canvasID, key: key, doc: v.(*crdt.Document), refs: 1}
	m.rooms[canvasID] = r
	openRooms.Inc()
	m.logger.Debug().Str("canvas", string(canvasID)).Msg("room opened")
	return r, nil
}

func (m *Manager) leave(ctx context.Context, r *room) error {
	err := m.flush(ctx, r)

	m.mu.Lock()
	defer m.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return err
	}
	if r.dirty.Load() {
		// A failed save keeps the room so the flush worker can retry.
		return err
	}
	if m.rooms[r.canvasID] == r {
		delete(m.rooms, r.canvasID)
		m.reorder.Forget(r.canvasID)
		openRooms.Dec()
		m.logger.Debug().Str("canvas", string(r.canvasID)).Msg("room closed")
	}
	return err
}

func (m *Manager) flush(ctx context.Context, r *room) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.discarded.Load() || !r.dirty.Swap(false) {
		return nil
	}
	if err := m.engine.Save(ctx, r.key, r.doc); err != nil {
		r.dirty.Store(true)
		roomFlushes.WithLabelValues("error").Inc()
		return err
	}
	roomFlushes.WithLabelValues("ok").Inc()
	return nil
}

// FlushDirty persists every room with unsaved changes. Rooms whose sessions
// have all closed are released once saved.
func (m *Manager) FlushDirty(ctx context.Context) (int, error) {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.dirty.Load() {
			rooms = append(rooms, r)
		}
	}
	m.mu.Unlock()

	var (
		flushed int
		errs    []error
	)
	for _, r := range rooms {
		if err := m.flush(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
		m.releaseIdle(r)
	}
	return flushed, errors.Join(errs...)
}

func (m *Manager) releaseIdle(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.refs <= 0 && !r.dirty.Load() && m.rooms[r.canvasID] == r {
		delete(m.rooms, r.canvasID)
		m.reorder.Forget(r.canvasID)
		openRooms.Dec()
	}
}

// Discard drops the room of a deleted canvas without saving it. Sessions
// still holding the room keep working in memory but never write its state
// again. An in-flight save finishes before Discard returns.
func (m *Manager) Discard(canvasID types.CanvasID) {
	m.mu.Lock()
	r, ok := m.rooms[canvasID]
	if ok {
		delete(m.rooms, canvasID)
		m.reorder.Forget(canvasID)
		openRooms.Dec()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	r.saveMu.Lock()
	r.discarded.Store(true)
	r.dirty.Store(false)
	r.saveMu.Unlock()
	m.logger.Debug().Str("canvas", string(canvasID)).Msg("room discarded")
}

// OpenRooms reports how many canvas documents are held in memory.
func (m *Manager) OpenRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// HandleRemote integrates an update published by another instance. Canvases
// with no local session are ignored; their next load reads the stored state.
func (m *Manager) HandleRemote(ctx context.Context, canvasID types.CanvasID, update crdt.Update) error {
	m.mu.Lock()
	r, ok := m.rooms[canvasID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := m.reorder.HandleUpdate(canvasID, update, r.doc.ApplyUpdate)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syncstate.ErrCausalityGap) {
		return err
	}

	oldest, pending := m.reorder.OldestPending(canvasID)
	if pending && time.Since(oldest) >= m.resyncAfter {
		return m.resync(ctx, r)
	}
	return nil
}

// resync merges the stored state into the room and retries queued updates.
func (m *Manager) resync(ctx context.Context, r *room) error {
	stored, err := m.engine.Load(ctx, r.key)
	if err != nil {
		return err
	}
	if stored != nil {
		r.doc.MergeState(stored.State())
	}
	resyncs.Inc()
	m.logger.Info().Str("canvas", string(r.canvasID)).Msg("room resynchronized from storage")
	return m.reorder.Drain(r.canvasID, r.doc.ApplyUpdate)
}

func (m *Manager) publish(ctx context.Context, canvasID types.CanvasID, update crdt.Update) {
	if m.publisher == nil || update.Empty() || update.Seq == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pctx, canvasID, update); err != nil {
		m.logger.Warn().Err(err).Str("canvas", string(canvasID)).Msg("update fan-out failed")
	}
}
