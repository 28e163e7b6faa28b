package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deletePayload struct {
	EntityID string `json:"entityId"`
}

func TestEnqueueDeduplicatesPendingJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	job, err := NewJob("deleteEntity", "d-1", deletePayload{EntityID: "d-1"})
	require.NoError(t, err)

	accepted, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Len(t, q.Pending(), 1)

	other, err := NewJob("autoNameCanvas", "d-1", nil)
	require.NoError(t, err)
	accepted, err = q.Enqueue(ctx, other)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := NewWorker(q, zerolog.New(io.Discard), WithBackoff(0), WithPollWait(10*time.Millisecond))

	var attempts []int
	w.Handle("deleteEntity", func(_ context.Context, job Job) error {
		attempts = append(attempts, job.Attempts)
		return errors.New("downstream unavailable")
	})

	job, err := NewJob("deleteEntity", "d-1", deletePayload{EntityID: "d-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		took, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, took)
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Empty(t, q.Pending())
	require.Len(t, q.Failed(), 1)

	// The dedup key is released after terminal failure.
	accepted, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestWorkerAcksSuccessfulJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := NewWorker(q, zerolog.New(io.Discard), WithPollWait(10*time.Millisecond))

	var got deletePayload
	w.Handle("deleteEntity", func(_ context.Context, job Job) error {
		return job.Decode(&got)
	})

	job, err := NewJob("deleteEntity", "r-9", deletePayload{EntityID: "r-9"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	took, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Equal(t, "r-9", got.EntityID)

	accepted, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, accepted)

	took, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	took, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, took)
}

func TestWorkerFailsUnknownJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := NewWorker(q, zerolog.New(io.Discard), WithPollWait(10*time.Millisecond))

	_, err := q.Enqueue(ctx, Job{ID: "x", Name: "mystery"})
	require.NoError(t, err)
	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Len(t, q.Failed(), 1)
}

// cancelAwareQueue refuses to settle jobs with a cancelled context, the way a
// network backend does.
type cancelAwareQueue struct {
	*Memory
}

func (q cancelAwareQueue) Ack(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.Memory.Ack(ctx, job)
}

func (q cancelAwareQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.Memory.Retry(ctx, job, delay)
}

func (q cancelAwareQueue) Fail(ctx context.Context, job Job, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.Memory.Fail(ctx, job, reason)
}

func TestShutdownDuringHandlerRequeuesJob(t *testing.T) {
	q := cancelAwareQueue{Memory: NewMemory()}
	w := NewWorker(q, zerolog.New(io.Discard), WithPollWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Handle("deleteEntity", func(hctx context.Context, _ Job) error {
		cancel()
		return hctx.Err()
	})

	job, err := NewJob("deleteEntity", "d-1", deletePayload{EntityID: "d-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), job)
	require.NoError(t, err)

	took, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, took)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Empty(t, q.Failed())

	// Still pending, so the dedup key is still held.
	accepted, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestBackingOffJobDoesNotHoldWorker(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := NewWorker(q, zerolog.New(io.Discard), WithBackoff(time.Hour), WithPollWait(20*time.Millisecond))

	var handled []string
	w.Handle("deleteEntity", func(_ context.Context, job Job) error {
		handled = append(handled, job.ID)
		if job.ID == "slow" {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	for _, id := range []string{"slow", "fast"} {
		job, err := NewJob("deleteEntity", id, deletePayload{EntityID: id})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, job)
		require.NoError(t, err)
	}

	for range 2 {
		took, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, took)
	}
	assert.Equal(t, []string{"slow", "fast"}, handled)

	start := time.Now()
	took, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, took)
	assert.Less(t, time.Since(start), time.Second)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "slow", pending[0].ID)
	assert.True(t, pending[0].NotBefore.After(time.Now()))
}
