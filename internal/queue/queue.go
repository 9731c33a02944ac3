package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/observability"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler processes one job. A non-nil error schedules a retry; an error
// returned after the consumer context is cancelled puts the job back as it
// was, without using up an attempt.
type Handler func(ctx context.Context, job Job) error

// Options configures delivery policy
type Options struct {
	Concurrency int
	RateLimit   int
	RateWindow  time.Duration
	MaxAttempts int
	Backoff     Backoff

	// PollInterval is how long an idle consumer waits before looking for due jobs again
	PollInterval time.Duration

	// LockDuration is the lease on a claimed job; it is renewed every
	// LockDuration/2 while the handler runs
	LockDuration time.Duration
	// StalledInterval is how often active jobs with an expired lease are
	// moved back to waiting
	StalledInterval time.Duration

	PruneInterval time.Duration
	Retention     Retention
}

// DefaultOptions returns 10 slots, 100 jobs/min, 3 attempts and 2s/4s/8s backoff
func DefaultOptions() Options {
	return Options{
		Concurrency:     10,
		RateLimit:       100,
		RateWindow:      time.Minute,
		MaxAttempts:     3,
		Backoff:         Backoff{Base: 2 * time.Second, Factor: 2},
		PollInterval:    250 * time.Millisecond,
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		PruneInterval:   time.Minute,
		Retention:       DefaultRetention(),
	}
}

// Queue delivers jobs from a Backend to a Handler
type Queue struct {
	backend  Backend
	opts     Options
	limiter  *rate.Limiter
	logger   *zap.Logger
	wake     chan struct{}
	inFlight sync.WaitGroup

	running        int32
	completedCount int64
	retriedCount   int64
	failedCount    int64
}

// New creates a queue over backend
func New(backend Backend, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RateLimit <= 0 || opts.RateWindow <= 0 {
		opts.RateLimit, opts.RateWindow = def.RateLimit, def.RateWindow
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = def.LockDuration
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = def.StalledInterval
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if opts.Retention == (Retention{}) {
		opts.Retention = def.Retention
	}

	// One start per RateWindow/RateLimit with no burst, so no window of
	// RateWindow ever sees more than RateLimit starts
	every := opts.RateWindow / time.Duration(opts.RateLimit)
	return &Queue{
		backend: backend,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		logger:  logger.With(zap.String("component", "queue")),
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues a job for the order. Resubmitting an id that is still
// waiting, delayed or active is a no-op and returns false.
func (q *Queue) Submit(ctx context.Context, jobID string, payload order.JobPayload) (bool, error) {
	now := time.Now()
	job := Job{
		ID:         jobID,
		Payload:    payload,
		Priority:   DefaultPriority,
		State:      StateWaiting,
		RunAt:      now,
		EnqueuedAt: now,
	}

	added, err := q.backend.Add(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}

	if !added {
		q.logger.Info("duplicate job ignored", zap.String("order_id", jobID))
		return false, nil
	}

	q.logger.Info("order added to queue", zap.String("order_id", jobID))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Get returns the queue-side view of a job
func (q *Queue) Get(ctx context.Context, jobID string) (Job, bool, error) {
	return q.backend.Get(ctx, jobID)
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight
// handlers to return.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	atomic.StoreInt32(&q.running, 1)
	defer atomic.StoreInt32(&q.running, 0)

	recovered, err := q.backend.Recover(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	if recovered > 0 {
		q.logger.Warn("recovered stalled jobs", zap.Int("count", recovered))
	}

	q.logger.Info("starting queue consumer",
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Int("rate_limit", q.opts.RateLimit),
		zap.Duration("rate_window", q.opts.RateWindow),
		zap.Int("max_attempts", q.opts.MaxAttempts),
	)

	go q.logStats(ctx)
	go q.sweepStalled(ctx)

	slots := make(chan struct{}, q.opts.Concurrency)
	lastPrune := time.Now()
	defer q.inFlight.Wait()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue consumer stopping")
			return ctx.Err()
		case slots <- struct{}{}:
		}

		if time.Since(lastPrune) >= q.opts.PruneInterval {
			q.prune(ctx)
			lastPrune = time.Now()
		}

		job, ok, err := q.backend.Claim(ctx, time.Now(), q.opts.LockDuration)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("failed to claim job", zap.Error(err))
			q.idle(ctx)
			continue
		}
		if !ok {
			<-slots
			q.idle(ctx)
			continue
		}

		// The lease is renewed while the job waits for the limiter too
		logger := q.logger.With(zap.String("order_id", job.ID), zap.Int("attempt", job.Attempt))
		stopHeartbeat := q.keepLock(ctx, logger, job)

		if err := q.limiter.Wait(ctx); err != nil {
			stopHeartbeat()
			q.requeue(ctx, logger, job)
			<-slots
			return ctx.Err()
		}

		q.inFlight.Add(1)
		observability.ActiveJobs.Inc()
		go func(job Job) {
			defer func() {
				observability.ActiveJobs.Dec()
				<-slots
				q.inFlight.Done()
			}()
			q.process(ctx, handler, job, logger, stopHeartbeat)
		}(job)
	}
}

// IsRunning returns whether the consumer loop is running
func (q *Queue) IsRunning() bool {
	return atomic.LoadInt32(&q.running) == 1
}

func (q *Queue) process(ctx context.Context, handler Handler, job Job, logger *zap.Logger, stopHeartbeat func()) {
	logger.Debug("processing job")

	err := q.invoke(ctx, handler, job)
	stopHeartbeat()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count
		q.requeue(ctx, logger, job)
		logger.Warn("order job interrupted by shutdown", zap.Error(err))
		return
	}

	// Bookkeeping must survive shutdown of the consumer context
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := time.Now()

	if err == nil {
		if err := q.backend.Complete(bookCtx, job.ID, job.Token, now); err != nil {
			logger.Error("failed to mark job completed", zap.Error(err))
		}
		atomic.AddInt64(&q.completedCount, 1)
		observability.JobsTotal.WithLabelValues("completed").Inc()
		logger.Info("order job completed")
		return
	}

	if job.Attempt >= q.opts.MaxAttempts {
		if err := q.backend.Fail(bookCtx, job.ID, job.Token, now, err.Error()); err != nil {
			logger.Error("failed to mark job failed", zap.Error(err))
		}
		atomic.AddInt64(&q.failedCount, 1)
		observability.JobsTotal.WithLabelValues("failed").Inc()
		logger.Error("order job failed permanently", zap.Error(err))
		return
	}

	delay := q.opts.Backoff.Delay(job.Attempt)
	if rerr := q.backend.Retry(bookCtx, job.ID, job.Token, now.Add(delay), err.Error()); rerr != nil {
		logger.Error("failed to schedule retry", zap.Error(rerr))
		return
	}
	atomic.AddInt64(&q.retriedCount, 1)
	observability.JobsTotal.WithLabelValues("retried").Inc()
	logger.Warn("order job failed, retrying",
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
}

// requeue hands a claimed job back without counting the delivery
func (q *Queue) requeue(ctx context.Context, logger *zap.Logger, job Job) {
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := q.backend.Requeue(bookCtx, job.ID, job.Token); err != nil {
		logger.Error("failed to requeue job", zap.Error(err))
		return
	}
	observability.JobsTotal.WithLabelValues("requeued").Inc()
}

// keepLock renews the job's lease until the returned stop func is called.
// It outlives ctx so a handler finishing during shutdown keeps its lock.
func (q *Queue) keepLock(ctx context.Context, logger *zap.Logger, job Job) (stop func()) {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.opts.LockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := q.backend.Extend(hbCtx, job.ID, job.Token, time.Now(), q.opts.LockDuration)
				if errors.Is(err, ErrLockLost) || errors.Is(err, ErrNotActive) {
					logger.Error("lost job lock", zap.Error(err))
					return
				}
				if err != nil && hbCtx.Err() == nil {
					logger.Warn("failed to extend job lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// sweepStalled periodically returns jobs whose holder stopped renewing
func (q *Queue) sweepStalled(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.backend.Recover(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("failed to recover stalled jobs", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				q.logger.Warn("recovered stalled jobs", zap.Int("count", n))
			}
		}
	}
}

// invoke runs the handler, turning a panic into an error
func (q *Queue) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) idle(ctx context.Context) {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-q.wake:
	case <-timer.C:
	}
}

func (q *Queue) prune(ctx context.Context) {
	removed, err := q.backend.Prune(ctx, time.Now(), q.opts.Retention)
	if err != nil {
		q.logger.Error("failed to prune finished jobs", zap.Error(err))
		return
	}
	if removed > 0 {
		q.logger.Debug("pruned finished jobs", zap.Int("removed", removed))
	}
}

// logStats logs queue statistics periodically
func (q *Queue) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.logger.Info("queue stats",
				zap.Int64("completed", atomic.LoadInt64(&q.completedCount)),
				zap.Int64("retried", atomic.LoadInt64(&q.retriedCount)),
				zap.Int64("failed", atomic.LoadInt64(&q.failedCount)),
			)
		}
	}
}
