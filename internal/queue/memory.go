package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local queue used by single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	pending []Job
	dedup   map[string]struct{}
	failed  []Job
	notify  chan struct{}
}

// NewMemory constructs an empty queue.
func NewMemory() *Memory {
	return &Memory{
		dedup:  make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Enqueue(_ context.Context, job Job) (bool, error) {
	job = prepare(job, time.Now().UTC())

	m.mu.Lock()
	if _, ok := m.dedup[job.dedupKey()]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.dedup[job.dedupKey()] = struct{}{}
	m.pending = append(m.pending, job)
	m.mu.Unlock()

	m.signal()
	return true, nil
}

func (m *Memory) Dequeue(ctx context.Context, wait time.Duration) (Job, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		job, ok, nextDue := m.take(time.Now())
		if ok {
			return job, true, nil
		}

		sleep := time.Until(deadline)
		if sleep <= 0 {
			return Job{}, false, nil
		}
		if !nextDue.IsZero() {
			sleep = min(sleep, time.Until(nextDue))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-m.notify:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Job{}, false, ctx.Err()
		}
		timer.Stop()
	}
}

// take removes the first job that is due. When none is, it returns the
// earliest NotBefore among the waiting jobs.
func (m *Memory) take(now time.Time) (Job, bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next time.Time
	for i, job := range m.pending {
		if !job.NotBefore.After(now) {
			m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
			if len(m.pending) > 0 {
				m.signal()
			}
			return job, true, time.Time{}
		}
		if next.IsZero() || job.NotBefore.Before(next) {
			next = job.NotBefore
		}
	}
	return Job{}, false, next
}

func (m *Memory) Ack(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, job.dedupKey())
	return nil
}

func (m *Memory) Retry(_ context.Context, job Job, delay time.Duration) error {
	job.NotBefore = time.Now().UTC().Add(delay)
	m.mu.Lock()
	m.pending = append(m.pending, job)
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Fail(_ context.Context, job Job, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, job.dedupKey())
	m.failed = append(m.failed, job)
	return nil
}

// Pending returns a copy of the jobs waiting to run.
func (m *Memory) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.pending...)
}

// Failed returns a copy of the jobs that exhausted their attempts.
func (m *Memory) Failed() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.failed...)
}
