package msg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// permanentError marks a handler failure that retrying cannot fix
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer skips retries and commits the record
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Handler processes one record
type Handler func(context.Context, Record) error

// Consumer wraps a Kafka consumer
type Consumer struct {
	client     *kgo.Client
	logger     *zap.Logger
	topics     []string
	group      string
	running    int32
	pollCount  int64
	errorCount int64
	stop       chan struct{}
	closeOnce  sync.Once

	// MaxRetries and Backoff bound handleWithRetry
	MaxRetries int
	Backoff    time.Duration
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *Config, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(), // Manual commit after handler success
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := &Consumer{
		client:     client,
		logger:     logger,
		topics:     topics,
		group:      group,
		stop:       make(chan struct{}),
		MaxRetries: 3,
		Backoff:    100 * time.Millisecond,
	}

	logger.Info("consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)

	go c.logStats()

	return c, nil
}

// Run starts consuming messages and calls handler for each record
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("starting consumer",
		zap.String("group", c.group),
		zap.Strings("topics", c.topics),
	)

	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("kafka client closed")
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("fetch error",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(err),
				)
			}
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			rec := Record{
				Topic:     record.Topic,
				Key:       string(record.Key),
				Value:     record.Value,
				Partition: record.Partition,
				Offset:    record.Offset,
				Timestamp: record.Timestamp,
			}

			if err := c.handleWithRetry(ctx, rec, handler); err != nil {
				atomic.AddInt64(&c.errorCount, 1)
				if !IsPermanent(err) {
					// Leave the offset uncommitted so the record is redelivered
					c.logger.Error("handler failed after retries",
						zap.String("topic", rec.Topic),
						zap.String("key", rec.Key),
						zap.Error(err),
					)
					continue
				}
				c.logger.Warn("dropping record",
					zap.String("topic", rec.Topic),
					zap.String("key", rec.Key),
					zap.Error(err),
				)
			}

			if err := c.client.CommitRecords(ctx, record); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to commit offset", zap.Error(err))
			}
			atomic.AddInt64(&c.pollCount, 1)
		}
	}
}

// handleWithRetry calls handler with bounded retries
func (c *Consumer) handleWithRetry(ctx context.Context, rec Record, handler Handler) error {
	backoff := c.Backoff
	var err error

	for attempt := 0; attempt < c.MaxRetries; attempt++ {
		err = handler(ctx, rec)
		if err == nil || IsPermanent(err) {
			return err
		}

		if attempt < c.MaxRetries-1 {
			c.logger.Warn("handler failed, retrying",
				zap.String("topic", rec.Topic),
				zap.String("key", rec.Key),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("handler failed after %d attempts: %w", c.MaxRetries, err)
}

// Close closes the consumer
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.client != nil {
			c.client.Close()
		}
	})
}

// IsRunning returns whether the consumer is running
func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// logStats logs consumer statistics periodically
func (c *Consumer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.logger.Info("consumer stats",
				zap.String("group", c.group),
				zap.Int64("processed", atomic.LoadInt64(&c.pollCount)),
				zap.Int64("errors", atomic.LoadInt64(&c.errorCount)),
			)
		}
	}
}
