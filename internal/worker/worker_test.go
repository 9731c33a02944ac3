package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/broadcast"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/ismaiel54/limit-order-pipeline/internal/queue"
	"github.com/ismaiel54/limit-order-pipeline/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock advances instantly whenever the worker waits
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type stubQuotes struct {
	mu    sync.Mutex
	clock Clock
	calls []time.Time
	quote func(call int) (order.Quote, error)
}

func (s *stubQuotes) BestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != nil {
		s.calls = append(s.calls, s.clock.Now())
	} else {
		s.calls = append(s.calls, time.Time{})
	}
	return s.quote(len(s.calls))
}

func (s *stubQuotes) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func fixedPrice(price float64) func(int) (order.Quote, error) {
	return func(int) (order.Quote, error) {
		return order.Quote{Price: price, Fee: 0.03, Venue: "Raydium"}, nil
	}
}

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (s *stubExecutor) Execute(ctx context.Context, quote order.Quote, targetPrice float64) (order.ExecutionResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return order.ExecutionResult{}, err
		}
	}
	return order.ExecutionResult{TxHash: "deadbeef", ExecutedPrice: quote.Price * 1.001, Venue: quote.Venue}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []order.StatusEvent
}

func (r *recordingPublisher) Publish(ev order.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) snapshot() []order.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]order.StatusEvent(nil), r.events...)
}

// byAttempt splits the statuses of one order by attempt number
func byAttempt(events []order.StatusEvent) map[int][]order.Status {
	out := make(map[int][]order.Status)
	for _, ev := range events {
		out[ev.Attempt] = append(out[ev.Attempt], ev.Status)
	}
	return out
}

type fixture struct {
	quotes    *stubQuotes
	executor  *stubExecutor
	store     *store.MemoryStore
	publisher *recordingPublisher
	clock     *fakeClock
	worker    *Worker
}

func newFixture(t *testing.T, quote func(int) (order.Quote, error)) *fixture {
	clock := newFakeClock()
	f := &fixture{
		quotes:    &stubQuotes{clock: clock, quote: quote},
		executor:  &stubExecutor{},
		store:     store.NewMemoryStore(),
		publisher: &recordingPublisher{},
		clock:     clock,
	}
	f.worker = New(Deps{
		Quotes:    f.quotes,
		Executor:  f.executor,
		Store:     f.store,
		Publisher: f.publisher,
		Clock:     clock,
	}, DefaultConfig(), zap.NewNop())
	return f
}

func (f *fixture) job(t *testing.T, id string, amount, target float64, attempt int) queue.Job {
	o := order.New(id, "SOL", "USDC", amount, target)
	err := f.store.Create(context.Background(), o)
	if err != nil && !errors.Is(err, order.ErrAlreadyExists) {
		require.NoError(t, err)
	}
	return queue.Job{ID: id, Payload: order.PayloadOf(o), Attempt: attempt, State: queue.StateActive}
}

func TestProcess_PriceAlreadyAboveTarget(t *testing.T) {
	f := newFixture(t, fixedPrice(186))

	err := f.worker.Process(context.Background(), f.job(t, "o1", 1, 185, 1))
	require.NoError(t, err)

	events := f.publisher.snapshot()
	statuses := byAttempt(events)[1]
	assert.Equal(t, []order.Status{
		order.StatusPending, order.StatusRouting, order.StatusWaitingPrice, order.StatusWaitingPrice,
		order.StatusBuilding, order.StatusSubmitted, order.StatusConfirmed,
	}, statuses)
	require.NoError(t, order.ValidatePath(statuses))

	// routing quote, one poll, fresh quote before building
	assert.Equal(t, 3, f.quotes.count())
	assert.Equal(t, 1, f.executor.calls)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, "deadbeef", o.TxHash)
	assert.Equal(t, "Raydium", o.SelectedVenue)
	assert.InDelta(t, 186*1.001, o.ExecutedPrice, 1e-9)

	last := events[len(events)-1]
	assert.Equal(t, order.SettlementData{Venue: "Raydium", TxHash: "deadbeef", ExecutedPrice: o.ExecutedPrice}, last.Data)
}

func TestProcess_PriceNeverReachesTarget(t *testing.T) {
	f := newFixture(t, fixedPrice(180))
	start := f.clock.Now()

	err := f.worker.Process(context.Background(), f.job(t, "o1", 1, 185, 1))
	require.NoError(t, err, "a timeout is not retried")

	// one routing quote plus exactly 60 polls
	require.Equal(t, 61, f.quotes.count())
	polls := f.quotes.calls[1:]
	assert.Equal(t, time.Duration(0), polls[0].Sub(start))
	assert.Equal(t, 295*time.Second, polls[59].Sub(start))

	events := f.publisher.snapshot()
	statuses := byAttempt(events)[1]
	require.NoError(t, order.ValidatePath(statuses))
	assert.Equal(t, order.StatusFailed, statuses[len(statuses)-1])

	waiting := 0
	for _, s := range statuses {
		if s == order.StatusWaitingPrice {
			waiting++
		}
	}
	assert.Equal(t, 61, waiting, "entry event plus one per poll")

	last := events[len(events)-1]
	assert.Equal(t, order.FailureData{Reason: TimeoutReason, Venue: "Raydium"}, last.Data)
	assert.Equal(t, 0, f.executor.calls)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Equal(t, TimeoutReason, o.FailureReason)
}

func TestProcess_PriceReachesTargetLater(t *testing.T) {
	f := newFixture(t, func(call int) (order.Quote, error) {
		// routing, then polls 1..3 below target, poll 4 above
		if call <= 4 {
			return order.Quote{Price: 180, Venue: "Meteora"}, nil
		}
		return order.Quote{Price: 190, Venue: "Raydium"}, nil
	})

	err := f.worker.Process(context.Background(), f.job(t, "o1", 1, 185, 1))
	require.NoError(t, err)

	// routing + 4 polls + fresh quote
	assert.Equal(t, 6, f.quotes.count())
	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
}

func TestProcess_ExecutionErrorIsRecordedAndReturned(t *testing.T) {
	f := newFixture(t, fixedPrice(186))
	boom := errors.New("transaction simulation failed")
	f.executor.fail = func(int) error { return boom }

	err := f.worker.Process(context.Background(), f.job(t, "o1", 1, 185, 1))
	assert.ErrorIs(t, err, boom)

	events := f.publisher.snapshot()
	statuses := byAttempt(events)[1]
	require.NoError(t, order.ValidatePath(statuses))
	assert.Equal(t, order.StatusFailed, statuses[len(statuses)-1])

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Contains(t, o.FailureReason, "transaction simulation failed")
}

func TestProcess_QuoteErrorDuringRouting(t *testing.T) {
	f := newFixture(t, func(int) (order.Quote, error) { return order.Quote{}, errors.New("rpc timeout") })

	err := f.worker.Process(context.Background(), f.job(t, "o1", 1, 185, 1))
	assert.Error(t, err)

	statuses := byAttempt(f.publisher.snapshot())[1]
	assert.Equal(t, []order.Status{order.StatusPending, order.StatusRouting, order.StatusFailed}, statuses)
}

func TestProcess_NonPositiveValuesFail(t *testing.T) {
	for name, vals := range map[string][2]float64{
		"zero amount": {0, 185},
		"zero target": {1, 0},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, fixedPrice(186))

			err := f.worker.Process(context.Background(), f.job(t, "o1", vals[0], vals[1], 1))
			assert.ErrorIs(t, err, order.ErrInvalidOrder)

			statuses := byAttempt(f.publisher.snapshot())[1]
			assert.Equal(t, []order.Status{order.StatusPending, order.StatusFailed}, statuses)
			assert.Equal(t, 0, f.quotes.count())
			assert.Equal(t, 0, f.executor.calls)

			o, err := f.store.Get(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, order.StatusFailed, o.Status)
		})
	}
}

type failingStore struct{ order.Store }

func (failingStore) Update(ctx context.Context, id string, u order.Update) error {
	return errors.New("database is locked")
}

func TestProcess_StoreFailuresAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	publisher := &recordingPublisher{}
	w := New(Deps{
		Quotes:    &stubQuotes{clock: clock, quote: fixedPrice(186)},
		Executor:  &stubExecutor{},
		Store:     failingStore{Store: store.NewMemoryStore()},
		Publisher: publisher,
		Clock:     clock,
	}, DefaultConfig(), zap.NewNop())

	job := queue.Job{ID: "o1", Attempt: 1, Payload: order.JobPayload{
		OrderID: "o1", TokenIn: "SOL", TokenOut: "USDC", Amount: 1, TargetPrice: 185,
	}}
	require.NoError(t, w.Process(context.Background(), job))

	events := publisher.snapshot()
	assert.Equal(t, order.StatusConfirmed, events[len(events)-1].Status)
}

func TestProcess_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(call int) (order.Quote, error) {
		if call == 2 {
			cancel()
		}
		return order.Quote{Price: 180, Venue: "Raydium"}, nil
	})
	// real waits so the cancellation wins the select
	f.worker.clock = RealClock{}
	f.worker.cfg.PollInterval = time.Hour

	err := f.worker.Process(ctx, f.job(t, "o1", 1, 185, 1))
	assert.ErrorIs(t, err, context.Canceled)

	statuses := byAttempt(f.publisher.snapshot())[1]
	assert.NotContains(t, statuses, order.StatusFailed, "shutdown does not fail the order")
}

func TestProcess_TwoObserversSeeSameSequence(t *testing.T) {
	b, err := broadcast.New(nil, broadcast.DefaultOptions(), zap.NewNop())
	require.NoError(t, err)

	clock := newFakeClock()
	memStore := store.NewMemoryStore()
	w := New(Deps{
		Quotes:    &stubQuotes{clock: clock, quote: fixedPrice(186)},
		Executor:  &stubExecutor{},
		Store:     memStore,
		Publisher: b,
		Clock:     clock,
	}, DefaultConfig(), zap.NewNop())

	first, second := &chanConn{}, &chanConn{}
	require.NoError(t, b.Subscribe(context.Background(), "o1", first))
	require.NoError(t, b.Subscribe(context.Background(), "o1", second))

	o := order.New("o1", "SOL", "USDC", 1, 185)
	require.NoError(t, memStore.Create(context.Background(), o))
	require.NoError(t, w.Process(context.Background(), queue.Job{ID: "o1", Attempt: 1, Payload: order.PayloadOf(o)}))

	assert.Equal(t, first.statuses(), second.statuses())
	assert.Equal(t, order.StatusConfirmed, first.statuses()[len(first.statuses())-1])
	// snapshot, then the attempt's own path
	require.NoError(t, order.ValidatePath(first.statuses()[1:]))
}

type chanConn struct {
	mu     sync.Mutex
	events []order.StatusEvent
	closed bool
}

func (c *chanConn) Send(ev order.StatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *chanConn) Close() error { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *chanConn) IsOpen() bool { c.mu.Lock(); defer c.mu.Unlock(); return !c.closed }

func (c *chanConn) statuses() []order.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]order.Status, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Status
	}
	return out
}

func TestWorker_RetriedThroughQueue(t *testing.T) {
	clock := newFakeClock()
	memStore := store.NewMemoryStore()
	publisher := &recordingPublisher{}
	executor := &stubExecutor{fail: func(call int) error {
		if call < 3 {
			return errors.New("slippage exceeded")
		}
		return nil
	}}
	w := New(Deps{
		Quotes:    &stubQuotes{clock: clock, quote: fixedPrice(186)},
		Executor:  executor,
		Store:     memStore,
		Publisher: publisher,
		Clock:     clock,
	}, DefaultConfig(), zap.NewNop())

	opts := queue.DefaultOptions()
	opts.Backoff = queue.Backoff{Base: 20 * time.Millisecond, Factor: 2}
	opts.PollInterval = 5 * time.Millisecond
	opts.RateLimit = 1000
	opts.RateWindow = time.Second
	q := queue.New(queue.NewMemoryBackend(), opts, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, w.Handler())
	}()
	defer func() {
		cancel()
		<-done
	}()

	sub := NewSubmitter(memStore, q, zap.NewNop())
	added, err := sub.Enqueue(context.Background(), "o1", "SOL", "USDC", 1, 185)
	require.NoError(t, err)
	require.True(t, added)

	require.Eventually(t, func() bool {
		job, ok, err := q.Get(context.Background(), "o1")
		return err == nil && ok && job.State == queue.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	attempts := byAttempt(publisher.snapshot())
	require.Len(t, attempts, 3)
	for n := 1; n <= 3; n++ {
		require.NoError(t, order.ValidatePath(attempts[n]), "attempt %d", n)
	}
	assert.Equal(t, order.StatusFailed, attempts[1][len(attempts[1])-1])
	assert.Equal(t, order.StatusFailed, attempts[2][len(attempts[2])-1])
	assert.Equal(t, order.StatusConfirmed, attempts[3][len(attempts[3])-1])

	o, err := memStore.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Empty(t, o.FailureReason, "a later success clears the earlier failure")
}

// stuckClock never lets a poll interval elapse
type stuckClock struct{ now time.Time }

func (c stuckClock) Now() time.Time { return c.now }
func (c stuckClock) After(d time.Duration) <-chan time.Time { return nil }

func TestWorker_ShutdownLeavesOrderRetryable(t *testing.T) {
	memStore := store.NewMemoryStore()
	backend := queue.NewMemoryBackend()
	quotes := &stubQuotes{quote: fixedPrice(180)}
	w := New(Deps{
		Quotes:    quotes,
		Executor:  &stubExecutor{},
		Store:     memStore,
		Publisher: &recordingPublisher{},
		Clock:     stuckClock{now: time.Now()},
	}, DefaultConfig(), zap.NewNop())

	opts := queue.DefaultOptions()
	opts.MaxAttempts = 1
	opts.PollInterval = 5 * time.Millisecond
	q := queue.New(backend, opts, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, w.Handler())
	}()

	sub := NewSubmitter(memStore, q, zap.NewNop())
	_, err := sub.Enqueue(context.Background(), "o1", "SOL", "USDC", 1, 185)
	require.NoError(t, err)

	// routing quote plus the first price check, then parked below target
	require.Eventually(t, func() bool { return quotes.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	job, ok, err := q.Get(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.StateWaiting, job.State, "shutdown must not fail the last attempt")
	assert.Equal(t, 0, job.Attempt)

	o, err := memStore.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaitingPrice, o.Status)

	// the next process picks it up and fills it
	clock := newFakeClock()
	next := New(Deps{
		Quotes:    &stubQuotes{clock: clock, quote: fixedPrice(186)},
		Executor:  &stubExecutor{},
		Store:     memStore,
		Publisher: &recordingPublisher{},
		Clock:     clock,
	}, DefaultConfig(), zap.NewNop())
	q2 := queue.New(backend, opts, zap.NewNop())

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		q2.Run(ctx2, next.Handler())
	}()
	defer func() {
		cancel2()
		<-done2
	}()

	require.Eventually(t, func() bool {
		job, ok, err := q2.Get(context.Background(), "o1")
		return err == nil && ok && job.State == queue.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	o, err = memStore.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
}

func TestProcess_RetryClearsPreviousAttemptFields(t *testing.T) {
	f := newFixture(t, func(int) (order.Quote, error) { return order.Quote{}, errors.New("rpc timeout") })
	job := f.job(t, "o1", 1, 185, 2)

	// what the first attempt left behind
	venue, reason := "Meteora", "slippage exceeded"
	require.NoError(t, f.store.Update(context.Background(), "o1", order.Update{
		Status:        order.StatusFailed,
		SelectedVenue: &venue,
		FailureReason: &reason,
	}))

	err := f.worker.Process(context.Background(), job)
	assert.Error(t, err)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Empty(t, o.SelectedVenue, "the venue belongs to the earlier attempt")
	assert.Contains(t, o.FailureReason, "rpc timeout")
}
