package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultInterval = 15 * time.Second

// Flusher persists every document with unsaved changes and reports how many
// were written.
type Flusher interface {
	FlushDirty(ctx context.Context) (int, error)
}

// Worker periodically flushes dirty documents held by long-lived realtime
// sessions so a crash loses at most one interval of edits.
type Worker struct {
	flusher  Flusher
	interval time.Duration
	logger   zerolog.Logger
}

// NewWorker constructs a flush worker. A non-positive interval selects the
// default.
func NewWorker(flusher Flusher, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		flusher:  flusher,
		interval: interval,
		logger:   logger.With().Str("component", "snapshot_worker").Logger(),
	}
}

// Start begins the periodic flush loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			// Final flush on a fresh context so shutdown does not drop edits.
			flushCtx, cancel := context.WithTimeout(context.Background(), w.interval)
			w.RunOnce(flushCtx)
			cancel()
			return
		}
	}
}

// RunOnce performs a single flush pass.
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()
	n, err := w.flusher.FlushDirty(ctx)
	flushLatency.Observe(time.Since(start).Seconds())
	flushedDocuments.Add(float64(n))
	if err != nil {
		w.logger.Error().Err(err).Int("flushed", n).Msg("snapshot flush failed")
		return
	}
	if n > 0 {
		w.logger.Debug().Int("flushed", n).Msg("snapshot flush completed")
	}
}
