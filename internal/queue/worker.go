package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error schedules a retry until the
// job's attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Worker pops jobs and dispatches them to registered handlers.
type Worker struct {
	queue        Queue
	logger       zerolog.Logger
	concurrency  int
	pollWait     time.Duration
	backoff      time.Duration
	recoverEvery time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of jobs processed in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithBackoff sets the delay before the first retry; it doubles per attempt.
func WithBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.backoff = d
	}
}

// WithPollWait sets how long a single dequeue blocks.
func WithPollWait(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollWait = d
		}
	}
}

// WithRecoverInterval sets how often abandoned in-flight jobs are reclaimed on
// queues that support it.
func WithRecoverInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.recoverEvery = d
		}
	}
}

// NewWorker constructs a worker on q.
func NewWorker(q Queue, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		logger:       logger.With().Str("component", "queue_worker").Logger(),
		concurrency:  2,
		pollWait:     2 * time.Second,
		backoff:      time.Second,
		recoverEvery: time.Minute,
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for jobs named name.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r, ok := w.queue.(Recoverer); ok {
		g.Go(func() error {
			w.recoverLoop(ctx, r)
			return nil
		})
	}
	for range w.concurrency {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := w.ProcessOne(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error().Err(err).Msg("job processing failed")
					select {
					case <-time.After(w.pollWait):
					case <-ctx.Done():
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessOne dequeues and handles at most one job. It reports whether a job
// was taken.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.Dequeue(ctx, w.pollWait)
	if err != nil || !ok {
		return false, err
	}

	// Settling must outlive shutdown, otherwise a job interrupted by it is
	// neither requeued nor recorded.
	settleCtx := context.WithoutCancel(ctx)

	w.mu.RLock()
	handler, found := w.handlers[job.Name]
	w.mu.RUnlock()

	logger := w.logger.With().Str("job", job.Name).Str("job_id", job.ID).Logger()
	if !found {
		jobsProcessed.WithLabelValues(job.Name, "unknown").Inc()
		logger.Error().Msg("no handler registered for job")
		return true, w.queue.Fail(settleCtx, job, "no handler registered")
	}

	job.Attempts++
	start := time.Now()
	handleErr := w.invoke(ctx, handler, job)
	jobLatency.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if handleErr == nil {
		jobsProcessed.WithLabelValues(job.Name, "success").Inc()
		logger.Debug().Int("attempt", job.Attempts).Msg("job completed")
		return true, w.queue.Ack(settleCtx, job)
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown: hand the job back without spending an attempt.
		job.Attempts--
		jobsProcessed.WithLabelValues(job.Name, "interrupted").Inc()
		logger.Info().Err(handleErr).Msg("job interrupted; requeued")
		return true, w.queue.Retry(settleCtx, job, 0)
	}

	if job.Attempts >= job.MaxAttempts {
		jobsProcessed.WithLabelValues(job.Name, "failed").Inc()
		logger.Error().Err(handleErr).Int("attempt", job.Attempts).Msg("job exhausted its attempts")
		return true, w.queue.Fail(settleCtx, job, handleErr.Error())
	}

	jobsProcessed.WithLabelValues(job.Name, "retry").Inc()
	delay := w.backoff << (job.Attempts - 1)
	logger.Warn().Err(handleErr).Int("attempt", job.Attempts).Dur("backoff", delay).Msg("job failed; retrying")
	return true, w.queue.Retry(settleCtx, job, delay)
}

func (w *Worker) recoverLoop(ctx context.Context, r Recoverer) {
	ticker := time.NewTicker(w.recoverEvery)
	defer ticker.Stop()
	for {
		n, err := r.Recover(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn().Err(err).Msg("recover in-flight jobs failed")
		case n > 0:
			jobsRecovered.Add(float64(n))
			w.logger.Info().Int("jobs", n).Msg("requeued abandoned jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
