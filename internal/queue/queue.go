package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the retry budget applied when a job does not set one.
const DefaultMaxAttempts = 3

// Job is a unit of background work. ID doubles as the dedup key: while a job
// with the same name and ID is pending, further enqueues are ignored.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NotBefore   time.Time       `json:"notBefore,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`

	// raw is the encoding the job was dequeued as; backends that keep an
	// in-flight copy use it to find that copy again.
	raw string
}

// NewJob encodes payload into a job.
func NewJob(name, id string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Job{ID: id, Name: name, Payload: raw, MaxAttempts: DefaultMaxAttempts}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

func (j Job) dedupKey() string {
	return j.Name + ":" + j.ID
}

// Queue is an at-least-once job queue.
type Queue interface {
	// Enqueue adds a job and reports whether it was accepted; a pending job
	// with the same dedup key causes it to be skipped.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks up to wait for a job whose NotBefore has passed. ok is
	// false on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (job Job, ok bool, err error)
	// Ack removes a finished job and releases its dedup key.
	Ack(ctx context.Context, job Job) error
	// Retry requeues a job for another attempt after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error
	// Fail records a job that exhausted its attempts and releases its dedup key.
	Fail(ctx context.Context, job Job, reason string) error
}

// Recoverer is implemented by queues that can hand out again the jobs a
// crashed worker took but never settled.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

func prepare(job Job, now time.Time) Job {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	return job
}
