// Package intake turns order commands consumed from Kafka into queued jobs.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

// OrderSubmitter records and enqueues a new order; satisfied by
// *worker.Submitter
type OrderSubmitter interface {
	Enqueue(ctx context.Context, orderID, tokenIn, tokenOut string, amount, targetPrice float64) (bool, error)
}

// Handler consumes orders.commands
type Handler struct {
	submitter OrderSubmitter
	logger    *zap.Logger

	accepted   int64
	duplicates int64
	rejected   int64
}

// NewHandler creates a command handler
func NewHandler(submitter OrderSubmitter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		submitter: submitter,
		logger:    logger.With(zap.String("component", "intake")),
	}
}

// Handle processes one command record. Undecodable or invalid commands are
// permanent failures; submit errors are returned for the consumer to retry.
func (h *Handler) Handle(ctx context.Context, rec msg.Record) error {
	var cmd msg.OrderCmdMsg
	if err := json.Unmarshal(rec.Value, &cmd); err != nil {
		atomic.AddInt64(&h.rejected, 1)
		return msg.Permanent(fmt.Errorf("failed to decode order command: %w", err))
	}

	if cmd.OrderID == "" {
		cmd.OrderID = rec.Key
	}

	if err := cmd.Payload().Validate(); err != nil {
		atomic.AddInt64(&h.rejected, 1)
		return msg.Permanent(err)
	}

	added, err := h.submitter.Enqueue(ctx, cmd.OrderID, cmd.TokenIn, cmd.TokenOut, cmd.Amount, cmd.TargetPrice)
	if err != nil {
		if errors.Is(err, order.ErrInvalidOrder) {
			atomic.AddInt64(&h.rejected, 1)
			return msg.Permanent(err)
		}
		return err
	}

	if !added {
		atomic.AddInt64(&h.duplicates, 1)
		h.logger.Debug("duplicate order command",
			zap.String("order_id", cmd.OrderID),
			zap.String("event_id", cmd.EventID),
		)
		return nil
	}

	atomic.AddInt64(&h.accepted, 1)
	return nil
}

// Stats reports accepted, duplicate and rejected command counts
func (h *Handler) Stats() (accepted, duplicates, rejected int64) {
	return atomic.LoadInt64(&h.accepted), atomic.LoadInt64(&h.duplicates), atomic.LoadInt64(&h.rejected)
}
