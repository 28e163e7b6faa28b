package syncstate

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/types"
)

var (
	// ErrCausalityGap is returned when an update is queued because the
	// document has not yet observed one of its predecessors from the same
	// origin.
	ErrCausalityGap = errors.New("update delayed: causal gap detected")
)

const defaultMaxPending = 1024

// UpdateApplier applies an update to the target document. It returns
// crdt.ErrOutOfOrder when predecessors are missing.
type UpdateApplier func(crdt.Update) (bool, error)

type pendingUpdate struct {
	update   crdt.Update
	queuedAt time.Time
}

// UpdateReorderBuffer holds remote updates that cannot be applied yet because
// an earlier update from the same origin has not arrived.
type UpdateReorderBuffer struct {
	mu         sync.Mutex
	pending    map[types.CanvasID][]pendingUpdate
	maxPending int
	logger     zerolog.Logger
}

// NewUpdateReorderBuffer constructs an empty buffer.
func NewUpdateReorderBuffer(logger zerolog.Logger) *UpdateReorderBuffer {
	return &UpdateReorderBuffer{
		pending:    make(map[types.CanvasID][]pendingUpdate),
		maxPending: defaultMaxPending,
		logger:     logger.With().Str("component", "reorder_buffer").Logger(),
	}
}

// HandleUpdate applies update right away when possible, otherwise queues it
// and returns ErrCausalityGap. Every successful apply drains whatever queued
// updates became ready.
func (b *UpdateReorderBuffer) HandleUpdate(canvasID types.CanvasID, update crdt.Update, apply UpdateApplier) error {
	if _, err := apply(update); err != nil {
		if !errors.Is(err, crdt.ErrOutOfOrder) {
			return err
		}
		b.enqueue(canvasID, update)
		b.logger.Debug().
			Str("canvas", string(canvasID)).
			Str("origin", string(update.Origin)).
			Uint64("seq", update.Seq).
			Msg("queued update pending causal predecessors")
		return ErrCausalityGap
	}
	return b.Drain(canvasID, apply)
}

// Drain re-checks queued updates until no further progress is possible.
func (b *UpdateReorderBuffer) Drain(canvasID types.CanvasID, apply UpdateApplier) error {
	for {
		queue := b.take(canvasID)
		if len(queue) == 0 {
			return nil
		}

		progressed := false
		var blocked []pendingUpdate
		for _, p := range queue {
			_, err := apply(p.update)
			switch {
			case err == nil:
				progressed = true
				updatesReordered.Inc()
			case errors.Is(err, crdt.ErrOutOfOrder):
				blocked = append(blocked, p)
			default:
				b.restore(canvasID, blocked)
				return err
			}
		}
		b.restore(canvasID, blocked)
		if !progressed {
			return nil
		}
	}
}

// OldestPending reports when the oldest queued update for canvasID arrived.
func (b *UpdateReorderBuffer) OldestPending(canvasID types.CanvasID) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[canvasID]
	if len(queue) == 0 {
		return time.Time{}, false
	}
	oldest := queue[0].queuedAt
	for _, p := range queue[1:] {
		if p.queuedAt.Before(oldest) {
			oldest = p.queuedAt
		}
	}
	return oldest, true
}

// Forget drops every queued update for a canvas.
func (b *UpdateReorderBuffer) Forget(canvasID types.CanvasID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pendingUpdates.Sub(float64(len(b.pending[canvasID])))
	delete(b.pending, canvasID)
}

func (b *UpdateReorderBuffer) enqueue(canvasID types.CanvasID, update crdt.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := append(b.pending[canvasID], pendingUpdate{update: update, queuedAt: time.Now()})
	if len(queue) > b.maxPending {
		dropped := len(queue) - b.maxPending
		queue = queue[dropped:]
		pendingUpdates.Sub(float64(dropped))
		b.logger.Warn().Str("canvas", string(canvasID)).Int("dropped", dropped).Msg("reorder buffer full; dropping oldest updates")
	}
	b.pending[canvasID] = queue
	pendingUpdates.Inc()
}

func (b *UpdateReorderBuffer) take(canvasID types.CanvasID) []pendingUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[canvasID]
	delete(b.pending, canvasID)
	pendingUpdates.Sub(float64(len(queue)))
	return queue
}

func (b *UpdateReorderBuffer) restore(canvasID types.CanvasID, blocked []pendingUpdate) {
	if len(blocked) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[canvasID] = append(blocked, b.pending[canvasID]...)
	pendingUpdates.Add(float64(len(blocked)))
}

var (
	updatesReordered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "reorder",
		Name:      "updates_reordered_total",
		Help:      "Number of updates applied after waiting for causal predecessors.",
	})

	pendingUpdates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "reorder",
		Name:      "pending_updates",
		Help:      "Updates currently waiting for causal predecessors.",
	})
)

func init() {
	prometheus.MustRegister(updatesReordered, pendingUpdates)
}
