// Package worker runs the per-order state machine: route, watch the price
// until it reaches the target or the wait times out, execute, confirm.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/observability"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/ismaiel54/limit-order-pipeline/internal/queue"
	"go.uber.org/zap"
)

// TimeoutReason is the failure reason for orders whose price never hit target
const TimeoutReason = "price did not reach target within timeout period"

// EventPublisher fans status events out to observers
type EventPublisher interface {
	Publish(ev order.StatusEvent)
}

// Config holds price watcher timing
type Config struct {
	MaxPriceWait time.Duration
	PollInterval time.Duration
}

// DefaultConfig polls every 5s for up to 5 minutes
func DefaultConfig() Config {
	return Config{
		MaxPriceWait: 5 * time.Minute,
		PollInterval: 5 * time.Second,
	}
}

// Deps are the worker's collaborators
type Deps struct {
	Quotes    order.QuoteSource
	Executor  order.ExecutionEngine
	Store     order.Store
	Publisher EventPublisher
	Clock     Clock
}

// Worker processes order jobs delivered by the queue
type Worker struct {
	quotes    order.QuoteSource
	executor  order.ExecutionEngine
	store     order.Store
	publisher EventPublisher
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// New creates a worker. A nil Clock means wall time.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	def := DefaultConfig()
	if cfg.MaxPriceWait <= 0 {
		cfg.MaxPriceWait = def.MaxPriceWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Worker{
		quotes:    deps.Quotes,
		executor:  deps.Executor,
		store:     deps.Store,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "worker")),
	}
}

// Handler adapts the worker to the queue
func (w *Worker) Handler() queue.Handler {
	return w.Process
}

// Process runs one attempt of an order. It returns nil when the attempt
// reached a terminal status the queue should not retry (confirmed, or failed
// on price timeout) and the underlying error otherwise, after recording the
// failure.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	p := job.Payload
	attempt := job.Attempt
	logger := w.logger.With(zap.String("order_id", p.OrderID), zap.Int("attempt", attempt))

	logger.Info("processing order",
		zap.String("token_in", p.TokenIn),
		zap.String("token_out", p.TokenOut),
		zap.Float64("amount", p.Amount),
		zap.Float64("target_price", p.TargetPrice),
	)

	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusPending, attempt, nil))

	err := w.run(ctx, logger, p, attempt)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; the queue reschedules it
		logger.Warn("order processing interrupted", zap.Error(err))
		return err
	}

	logger.Error("error processing order", zap.Error(err))
	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusFailed, attempt,
		order.FailureData{Reason: err.Error()}))
	observability.OrdersFinished.WithLabelValues(string(order.StatusFailed)).Inc()
	return err
}

func (w *Worker) run(ctx context.Context, logger *zap.Logger, p order.JobPayload, attempt int) error {
	if err := p.Validate(); err != nil {
		return err
	}

	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusRouting, attempt, nil))

	quote, err := w.quotes.BestQuote(ctx, p.TokenIn, p.TokenOut, p.Amount)
	if err != nil {
		return fmt.Errorf("failed to get best quote: %w", err)
	}
	logger.Info("best quote received",
		zap.String("selected_dex", quote.Venue),
		zap.Float64("price", quote.Price),
	)

	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusWaitingPrice, attempt,
		order.QuoteData{Venue: quote.Venue, Price: quote.Price}))

	last, met, err := w.watchPrice(ctx, logger, p, attempt, quote)
	if err != nil {
		return err
	}
	if !met {
		logger.Warn("price wait timeout", zap.Float64("target_price", p.TargetPrice))
		w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusFailed, attempt,
			order.FailureData{Reason: TimeoutReason, Venue: last.Venue}))
		observability.OrdersFinished.WithLabelValues(string(order.StatusFailed)).Inc()
		return nil
	}

	// The price may have moved since the last poll
	final, err := w.quotes.BestQuote(ctx, p.TokenIn, p.TokenOut, p.Amount)
	if err != nil {
		return fmt.Errorf("failed to refresh quote: %w", err)
	}

	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusBuilding, attempt,
		order.QuoteData{Venue: final.Venue, Price: final.Price}))

	result, err := w.executor.Execute(ctx, final, p.TargetPrice)
	if err != nil {
		return fmt.Errorf("failed to execute swap: %w", err)
	}

	settlement := order.SettlementData{
		Venue:         result.Venue,
		TxHash:        result.TxHash,
		ExecutedPrice: result.ExecutedPrice,
	}
	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusSubmitted, attempt, settlement))
	w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusConfirmed, attempt, settlement))
	observability.OrdersFinished.WithLabelValues(string(order.StatusConfirmed)).Inc()

	logger.Info("order processing completed successfully",
		zap.String("tx_hash", result.TxHash),
		zap.Float64("executed_price", result.ExecutedPrice),
	)
	return nil
}

// watchPrice polls until a quote reaches the target price or the wait
// expires. The deadline is checked before each poll, so with the default
// timing the last poll happens at t=295s and none at t=300s.
func (w *Worker) watchPrice(ctx context.Context, logger *zap.Logger, p order.JobPayload, attempt int, last order.Quote) (order.Quote, bool, error) {
	deadline := w.clock.Now().Add(w.cfg.MaxPriceWait)

	for w.clock.Now().Before(deadline) {
		quote, err := w.quotes.BestQuote(ctx, p.TokenIn, p.TokenOut, p.Amount)
		if err != nil {
			return last, false, fmt.Errorf("failed to poll price: %w", err)
		}
		last = quote
		observability.PricePolls.Inc()

		w.emit(ctx, logger, order.NewStatusEvent(p.OrderID, order.StatusWaitingPrice, attempt,
			order.QuoteData{Venue: quote.Venue, Price: quote.Price}))

		logger.Debug("price check",
			zap.Float64("best_price", quote.Price),
			zap.Float64("target_price", p.TargetPrice),
			zap.String("selected_dex", quote.Venue),
		)

		if quote.Price >= p.TargetPrice {
			logger.Info("target price met",
				zap.Float64("best_price", quote.Price),
				zap.Float64("target_price", p.TargetPrice),
			)
			return quote, true, nil
		}

		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-w.clock.After(w.cfg.PollInterval):
		}
	}

	return last, false, nil
}

// emit persists the event then publishes it. Store failures are logged and
// swallowed so a flaky store cannot stall the state machine.
func (w *Worker) emit(ctx context.Context, logger *zap.Logger, ev order.StatusEvent) {
	u := ev.Update()
	if ev.Status == order.StatusPending {
		// a retried attempt starts clean; nothing from the last attempt
		// describes this one
		empty, zero := "", 0.0
		u.SelectedVenue = &empty
		u.TxHash = &empty
		u.ExecutedPrice = &zero
		u.FailureReason = &empty
	}

	if err := w.store.Update(ctx, ev.OrderID, u); err != nil {
		level := logger.Error
		if errors.Is(err, order.ErrNotFound) {
			level = logger.Warn
		}
		level("failed to update order status",
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
	}

	w.publisher.Publish(ev)
}
