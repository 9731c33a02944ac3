// Package queue implements a durable job queue keyed by order id with
// at-least-once delivery, bounded concurrency, rate limiting and
// exponential backoff retries.
//
// The queue engine (Queue) owns delivery policy; storage of job state lives
// behind Backend so an in-memory backend and a Redis backend are
// interchangeable.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/order"
)

var (
	ErrClosed      = errors.New("queue backend closed")
	ErrJobNotFound = errors.New("job not found")
	ErrNotActive   = errors.New("job is not active")
	ErrLockLost    = errors.New("job lock held by another consumer")
)

// State is the queue-side state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the job finished, successfully or not
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultPriority is the single priority used for order jobs
const DefaultPriority = 1

// Job wraps an order payload for delivery
type Job struct {
	ID         string           `json:"id"`
	Payload    order.JobPayload `json:"payload"`
	Priority   int              `json:"priority"`
	State      State            `json:"state"`
	Attempt    int              `json:"attempt"` // deliveries so far, 1 during the first run
	LastError  string           `json:"lastError,omitempty"`
	RunAt      time.Time        `json:"runAt"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`

	// Token identifies the claim holding the job's lock; set by Claim
	Token string `json:"-"`
}

// Retention bounds how long finished jobs stay inspectable
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
}

// DefaultRetention keeps completed jobs for an hour (max 1000) and failed jobs for a day
func DefaultRetention() Retention {
	return Retention{
		CompletedAge:   time.Hour,
		CompletedCount: 1000,
		FailedAge:      24 * time.Hour,
	}
}

// Backoff computes exponential retry delays
type Backoff struct {
	Base   time.Duration
	Factor float64
}

// Delay returns the wait before retrying after the given failed attempt (1-indexed)
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(b.Base) * math.Pow(factor, float64(attempt-1)))
}

// Backend stores job state. Implementations must make Add and Claim atomic
// so a job id is never active twice at once.
//
// A claimed job is locked for a lease under a per-claim token. The holder
// renews the lease with Extend while it works; Recover only returns active
// jobs whose lease has run out. State changes of an active job are refused
// with ErrLockLost when another claim holds the lock.
type Backend interface {
	// Add stores job unless a job with the same id is waiting, delayed or
	// active. It reports whether the job was stored.
	Add(ctx context.Context, job Job) (bool, error)

	// Claim promotes due delayed jobs, then moves the next waiting job to
	// active, increments its attempt counter and locks it until now+lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error)

	// Extend renews the lock of an active job held under token
	Extend(ctx context.Context, id, token string, now time.Time, lease time.Duration) error

	// Retry parks an active job until runAt
	Retry(ctx context.Context, id, token string, runAt time.Time, reason string) error

	// Complete marks an active job as done
	Complete(ctx context.Context, id, token string, now time.Time) error

	// Fail marks an active job as permanently failed
	Fail(ctx context.Context, id, token string, now time.Time, reason string) error

	// Requeue puts an active job back on the waiting list without counting
	// the interrupted delivery as an attempt
	Requeue(ctx context.Context, id, token string) error

	// Get returns a job by id
	Get(ctx context.Context, id string) (Job, bool, error)

	// Recover moves active jobs whose lock expired before now back to waiting
	Recover(ctx context.Context, now time.Time) (int, error)

	// Prune removes finished jobs outside the retention windows
	Prune(ctx context.Context, now time.Time, policy Retention) (int, error)

	Close() error
}
