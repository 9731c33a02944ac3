package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"go.uber.org/zap"
)

// Outbox is the store side of the publisher
type Outbox interface {
	ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string, nowMillis int64) error
}

// EventProducer sends a message to Kafka; satisfied by *msg.Producer
type EventProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// Publisher publishes outbox events to Kafka
type Publisher struct {
	outbox    Outbox
	producer  EventProducer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates a new outbox publisher
func NewPublisher(outbox Outbox, producer EventProducer, logger *zap.Logger) *Publisher {
	return &Publisher{
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.publishBatch(ctx); err != nil {
				// retried on next tick
				p.logger.Error("failed to publish batch", zap.Error(err))
			}
		}
	}
}

// publishBatch publishes a batch of unpublished events. Events of one order
// are published in outbox order; after the first failure for an order its
// remaining events wait for the next batch.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	events, err := p.outbox.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpublished events: %w", err)
	}

	if len(events) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	published := 0
	blocked := make(map[string]bool)

	for _, event := range events {
		if blocked[event.OrderID] {
			continue
		}

		var orderEvent msg.OrderEventMsg
		if err := json.Unmarshal([]byte(event.PayloadJSON), &orderEvent); err != nil {
			p.logger.Error("failed to unmarshal event payload",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			blocked[event.OrderID] = true
			continue
		}

		if err := p.producer.ProduceJSON(ctx, event.Topic, event.Key, orderEvent); err != nil {
			p.logger.Error("failed to produce event",
				zap.String("event_id", event.EventID),
				zap.String("order_id", event.OrderID),
				zap.Error(err),
			)
			blocked[event.OrderID] = true
			continue
		}

		if err := p.outbox.MarkPublished(ctx, event.EventID, now); err != nil {
			// worst case the event is republished; consumers dedup on event_id
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			blocked[event.OrderID] = true
			continue
		}

		published++
		p.logger.Debug("published outbox event",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
		)
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return published, nil
}
