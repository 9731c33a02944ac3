package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps jobs in process memory. It is used for tests and for
// single-process runs without Redis; jobs do not survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	locks   map[string]jobLock
	waiting []string
	closed  bool
}

type jobLock struct {
	token string
	until time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:  make(map[string]*Job),
		locks: make(map[string]jobLock),
	}
}

func (m *MemoryBackend) Add(ctx context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	if existing, ok := m.jobs[job.ID]; ok && !existing.State.IsTerminal() {
		return false, nil
	}

	job.State = StateWaiting
	job.Attempt = 0
	j := job
	m.jobs[job.ID] = &j
	m.waiting = append(m.waiting, job.ID)
	return true, nil
}

func (m *MemoryBackend) Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Job{}, false, ErrClosed
	}

	m.promoteDelayed(now)

	for len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]

		j, ok := m.jobs[id]
		if !ok || j.State != StateWaiting {
			continue
		}
		j.State = StateActive
		j.Attempt++

		token := uuid.NewString()
		m.locks[id] = jobLock{token: token, until: now.Add(lease)}
		claimed := *j
		claimed.Token = token
		return claimed, true, nil
	}
	return Job{}, false, nil
}

// promoteDelayed moves due delayed jobs to the waiting list, earliest first
func (m *MemoryBackend) promoteDelayed(now time.Time) {
	var due []*Job
	for _, j := range m.jobs {
		if j.State == StateDelayed && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	for _, j := range due {
		j.State = StateWaiting
		m.waiting = append(m.waiting, j.ID)
	}
}

func (m *MemoryBackend) Extend(ctx context.Context, id, token string, now time.Time, lease time.Duration) error {
	return m.transition(id, token, func(j *Job) {
		m.locks[id] = jobLock{token: token, until: now.Add(lease)}
	})
}

func (m *MemoryBackend) Retry(ctx context.Context, id, token string, runAt time.Time, reason string) error {
	return m.transition(id, token, func(j *Job) {
		j.State = StateDelayed
		j.RunAt = runAt
		j.LastError = reason
		delete(m.locks, id)
	})
}

func (m *MemoryBackend) Complete(ctx context.Context, id, token string, now time.Time) error {
	return m.transition(id, token, func(j *Job) {
		j.State = StateCompleted
		j.FinishedAt = now
		delete(m.locks, id)
	})
}

func (m *MemoryBackend) Fail(ctx context.Context, id, token string, now time.Time, reason string) error {
	return m.transition(id, token, func(j *Job) {
		j.State = StateFailed
		j.FinishedAt = now
		j.LastError = reason
		delete(m.locks, id)
	})
}

func (m *MemoryBackend) Requeue(ctx context.Context, id, token string) error {
	return m.transition(id, token, func(j *Job) {
		j.State = StateWaiting
		if j.Attempt > 0 {
			j.Attempt--
		}
		delete(m.locks, id)
		m.waiting = append([]string{id}, m.waiting...)
	})
}

// transition runs apply on an active job whose lock is held under token
func (m *MemoryBackend) transition(id, token string, apply func(j *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if j.State != StateActive {
		return fmt.Errorf("job %s is %s: %w", id, j.State, ErrNotActive)
	}
	if lock, held := m.locks[id]; held && lock.token != token {
		return fmt.Errorf("job %s: %w", id, ErrLockLost)
	}
	apply(j)
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false, nil
	}
	return *j, true, nil
}

func (m *MemoryBackend) Recover(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, j := range m.jobs {
		if j.State != StateActive {
			continue
		}
		if lock, held := m.locks[id]; held && lock.until.After(now) {
			continue
		}
		j.State = StateWaiting
		delete(m.locks, id)
		m.waiting = append(m.waiting, id)
		n++
	}
	return n, nil
}

func (m *MemoryBackend) Prune(ctx context.Context, now time.Time, policy Retention) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []*Job
	removed := 0
	for id, j := range m.jobs {
		switch j.State {
		case StateCompleted:
			if policy.CompletedAge > 0 && now.Sub(j.FinishedAt) > policy.CompletedAge {
				delete(m.jobs, id)
				removed++
				continue
			}
			completed = append(completed, j)
		case StateFailed:
			if policy.FailedAge > 0 && now.Sub(j.FinishedAt) > policy.FailedAge {
				delete(m.jobs, id)
				removed++
			}
		}
	}

	if policy.CompletedCount > 0 && len(completed) > policy.CompletedCount {
		// newest first; drop the tail
		sort.Slice(completed, func(a, b int) bool {
			return completed[a].FinishedAt.After(completed[b].FinishedAt)
		})
		for _, j := range completed[policy.CompletedCount:] {
			delete(m.jobs, j.ID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
