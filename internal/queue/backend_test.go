package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, at time.Time) Job {
	return Job{
		ID: id,
		Payload: order.JobPayload{
			OrderID:     id,
			TokenIn:     "SOL",
			TokenOut:    "USDC",
			Amount:      1,
			TargetPrice: 150,
		},
		Priority:   DefaultPriority,
		State:      StateWaiting,
		RunAt:      at,
		EnqueuedAt: at,
	}
}

const testLease = time.Minute

// advanceFunc lets lock leases run out: a no-op for backends that compare
// against the now passed to Recover, a clock jump for Redis
type advanceFunc func(d time.Duration)

// runBackendContract checks the behavior every Backend must share
func runBackendContract(t *testing.T, newBackend func(t *testing.T) (Backend, advanceFunc)) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	t.Run("add dedups live jobs", func(t *testing.T) {
		b, _ := newBackend(t)

		added, err := b.Add(ctx, testJob("o1", now))
		require.NoError(t, err)
		assert.True(t, added)

		added, err = b.Add(ctx, testJob("o1", now))
		require.NoError(t, err)
		assert.False(t, added)

		job, ok, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "o1", job.ID)

		// still active
		added, err = b.Add(ctx, testJob("o1", now))
		require.NoError(t, err)
		assert.False(t, added)

		_, ok, err = b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		assert.False(t, ok, "a job must not be claimed twice")
	})

	t.Run("claim is FIFO and counts attempts", func(t *testing.T) {
		b, _ := newBackend(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := b.Add(ctx, testJob(id, now))
			require.NoError(t, err)
		}

		tokens := make(map[string]bool)
		for _, want := range []string{"a", "b", "c"} {
			job, ok, err := b.Claim(ctx, now, testLease)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, job.ID)
			assert.Equal(t, StateActive, job.State)
			assert.Equal(t, 1, job.Attempt)
			assert.Equal(t, 150.0, job.Payload.TargetPrice)
			require.NotEmpty(t, job.Token)
			tokens[job.Token] = true
		}
		assert.Len(t, tokens, 3, "every claim gets its own token")
	})

	t.Run("retry delays until runAt", func(t *testing.T) {
		b, _ := newBackend(t)
		_, err := b.Add(ctx, testJob("r1", now))
		require.NoError(t, err)

		job, ok, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.True(t, ok)

		runAt := now.Add(2 * time.Second)
		require.NoError(t, b.Retry(ctx, "r1", job.Token, runAt, "quote failed"))

		job, found, err := b.Get(ctx, "r1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateDelayed, job.State)
		assert.Equal(t, "quote failed", job.LastError)

		_, ok, err = b.Claim(ctx, now.Add(time.Second), testLease)
		require.NoError(t, err)
		assert.False(t, ok, "not due yet")

		job, ok, err = b.Claim(ctx, runAt, testLease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, job.Attempt)
	})

	t.Run("complete and fail require an active job", func(t *testing.T) {
		b, _ := newBackend(t)
		_, err := b.Add(ctx, testJob("c1", now))
		require.NoError(t, err)

		err = b.Complete(ctx, "c1", "", now)
		assert.True(t, errors.Is(err, ErrNotActive))

		err = b.Fail(ctx, "missing", "", now, "boom")
		assert.True(t, errors.Is(err, ErrJobNotFound))

		job, _, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, "c1", job.Token, now))

		job, _, err = b.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, job.State)
		assert.Equal(t, now.UnixMilli(), job.FinishedAt.UnixMilli())

		// finished jobs can be resubmitted
		added, err := b.Add(ctx, testJob("c1", now))
		require.NoError(t, err)
		assert.True(t, added)
	})

	t.Run("recover only takes back expired locks", func(t *testing.T) {
		b, advance := newBackend(t)
		lease := 50 * time.Millisecond
		_, err := b.Add(ctx, testJob("s1", now))
		require.NoError(t, err)
		first, ok, err := b.Claim(ctx, now, lease)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := b.Recover(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "a live lock is left alone")

		_, ok, err = b.Claim(ctx, now, lease)
		require.NoError(t, err)
		assert.False(t, ok)

		advance(2 * lease)
		later := now.Add(2 * lease)
		n, err = b.Recover(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		second, ok, err := b.Claim(ctx, later, testLease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "s1", second.ID)
		assert.Equal(t, 2, second.Attempt, "the stalled delivery still counts")

		err = b.Complete(ctx, "s1", first.Token, later)
		assert.True(t, errors.Is(err, ErrLockLost), "the stalled holder can no longer finish the job")
		require.NoError(t, b.Complete(ctx, "s1", second.Token, later))
	})

	t.Run("extend keeps the lock alive", func(t *testing.T) {
		b, advance := newBackend(t)
		lease := 50 * time.Millisecond
		_, err := b.Add(ctx, testJob("e1", now))
		require.NoError(t, err)
		job, _, err := b.Claim(ctx, now, lease)
		require.NoError(t, err)

		advance(30 * time.Millisecond)
		require.NoError(t, b.Extend(ctx, "e1", job.Token, now.Add(30*time.Millisecond), lease))
		advance(30 * time.Millisecond)

		n, err := b.Recover(ctx, now.Add(60*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		err = b.Extend(ctx, "e1", "someone-else", now.Add(60*time.Millisecond), lease)
		assert.True(t, errors.Is(err, ErrLockLost))
	})

	t.Run("requeue does not count the delivery", func(t *testing.T) {
		b, _ := newBackend(t)
		_, err := b.Add(ctx, testJob("q1", now))
		require.NoError(t, err)
		first, _, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.Equal(t, 1, first.Attempt)

		require.NoError(t, b.Requeue(ctx, "q1", first.Token))

		job, _, err := b.Get(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, job.State)
		assert.Equal(t, 0, job.Attempt)

		second, ok, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, second.Attempt)

		err = b.Requeue(ctx, "q1", first.Token)
		assert.True(t, errors.Is(err, ErrLockLost))
	})

	t.Run("prune applies retention", func(t *testing.T) {
		b, _ := newBackend(t)
		finish := func(id string, at time.Time, fail bool) {
			_, err := b.Add(ctx, testJob(id, at))
			require.NoError(t, err)
			job, _, err := b.Claim(ctx, at, testLease)
			require.NoError(t, err)
			if fail {
				require.NoError(t, b.Fail(ctx, id, job.Token, at, "no"))
			} else {
				require.NoError(t, b.Complete(ctx, id, job.Token, at))
			}
		}

		finish("old-done", now.Add(-2*time.Hour), false)
		finish("new-done-1", now.Add(-3*time.Minute), false)
		finish("new-done-2", now.Add(-2*time.Minute), false)
		finish("new-done-3", now.Add(-time.Minute), false)
		finish("old-failed", now.Add(-25*time.Hour), true)
		finish("new-failed", now.Add(-time.Hour), true)

		removed, err := b.Prune(ctx, now, Retention{
			CompletedAge:   time.Hour,
			CompletedCount: 2,
			FailedAge:      24 * time.Hour,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		for id, want := range map[string]bool{
			"old-done":   false,
			"new-done-1": false,
			"new-done-2": true,
			"new-done-3": true,
			"old-failed": false,
			"new-failed": true,
		} {
			_, found, err := b.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, found, id)
		}
	})

	t.Run("prune keeps a resubmitted job", func(t *testing.T) {
		b, _ := newBackend(t)
		old := now.Add(-2 * time.Hour)
		_, err := b.Add(ctx, testJob("p1", old))
		require.NoError(t, err)
		job, _, err := b.Claim(ctx, old, testLease)
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, "p1", job.Token, old))

		added, err := b.Add(ctx, testJob("p1", now))
		require.NoError(t, err)
		require.True(t, added)

		_, err = b.Prune(ctx, now, DefaultRetention())
		require.NoError(t, err)

		job, ok, err := b.Claim(ctx, now, testLease)
		require.NoError(t, err)
		require.True(t, ok, "the resubmitted job must survive pruning")
		assert.Equal(t, "p1", job.ID)
		assert.Equal(t, 1, job.Attempt)
	})
}

func TestMemoryBackend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) (Backend, advanceFunc) {
		b := NewMemoryBackend()
		t.Cleanup(func() { b.Close() })
		return b, func(time.Duration) {}
	})
}

func TestMemoryBackend_ClosedRejectsWork(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Close())

	_, err := b.Add(context.Background(), testJob("x", time.Now()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Factor: 2}
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))

	// zero factor falls back to doubling
	assert.Equal(t, 4*time.Second, Backoff{Base: 2 * time.Second}.Delay(2))
}
