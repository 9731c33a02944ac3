package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

// JobQueue accepts order jobs; satisfied by *queue.Queue
type JobQueue interface {
	Submit(ctx context.Context, jobID string, payload order.JobPayload) (bool, error)
}

// Submitter records new orders and hands them to the queue
type Submitter struct {
	store  order.Store
	queue  JobQueue
	logger *zap.Logger
}

// NewSubmitter creates a submitter
func NewSubmitter(store order.Store, q JobQueue, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		store:  store,
		queue:  q,
		logger: logger.With(zap.String("component", "submitter")),
	}
}

// Enqueue stores the order as pending if it is new and submits its job.
// It is idempotent by orderID: it reports false when a job for the order
// is already waiting or running, or when the stored order has already
// finished.
func (s *Submitter) Enqueue(ctx context.Context, orderID, tokenIn, tokenOut string, amount, targetPrice float64) (bool, error) {
	o := order.New(orderID, tokenIn, tokenOut, amount, targetPrice)
	payload := order.PayloadOf(o)
	if err := payload.Validate(); err != nil {
		return false, err
	}

	err := s.store.Create(ctx, o)
	switch {
	case err == nil:
	case errors.Is(err, order.ErrAlreadyExists):
		existing, err := s.store.Get(ctx, orderID)
		if err != nil {
			return false, fmt.Errorf("failed to load order: %w", err)
		}
		if existing.Status.IsTerminal() {
			s.logger.Info("duplicate submission for finished order",
				zap.String("order_id", orderID),
				zap.String("status", string(existing.Status)),
			)
			return false, nil
		}
	default:
		return false, fmt.Errorf("failed to create order: %w", err)
	}

	added, err := s.queue.Submit(ctx, orderID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue order: %w", err)
	}
	if added {
		s.logger.Info("order submitted", zap.String("order_id", orderID))
	}
	return added, nil
}
