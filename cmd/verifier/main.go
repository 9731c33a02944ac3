package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/logging"
	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <duration_seconds> [brokers]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 30 127.0.0.1:9092\n", os.Args[0])
		os.Exit(1)
	}

	var durationSeconds int
	if _, err := fmt.Sscanf(os.Args[1], "%d", &durationSeconds); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration: %v\n", err)
		os.Exit(1)
	}

	brokers := "127.0.0.1:9092"
	if len(os.Args) >= 3 {
		brokers = os.Args[2]
	}

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	kafkaCfg := &msg.Config{Brokers: msg.ParseBrokers(brokers), ClientID: "verifier"}
	logger.Info("starting verifier",
		zap.Int("duration_seconds", durationSeconds),
		zap.Strings("brokers", kafkaCfg.Brokers),
	)

	consumer, err := msg.NewConsumer(kafkaCfg, "verifier-v1", []string{msg.TopicOrdersEvents}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	t := newTracker()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSeconds)*time.Second)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var ev msg.OrderEventMsg
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			return msg.Permanent(fmt.Errorf("failed to unmarshal event: %w", err))
		}

		if !t.add(ev) {
			logger.Debug("republished event", zap.String("event_id", ev.EventID))
			return nil
		}

		logger.Debug("consumed event",
			zap.String("order_id", ev.Event.OrderID),
			zap.Int("attempt", ev.Event.Attempt),
			zap.String("status", string(ev.Event.Status)),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("consumer error", zap.Error(err))
	}

	outcomes := t.outcomes()
	violations := t.violations()

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Total events consumed: %d\n", t.totalCount)
	fmt.Printf("Republished copies dropped: %d\n", t.republish)
	fmt.Printf("Orders: %d\n", t.orders())
	fmt.Printf("Attempts: %d\n", len(t.paths))
	fmt.Printf("Confirmed attempts: %d\n", outcomes[order.StatusConfirmed])
	fmt.Printf("Failed attempts: %d\n", outcomes[order.StatusFailed])

	if len(violations) > 0 {
		fmt.Println("\nInvalid status paths:")
		for _, v := range violations {
			fmt.Printf("  %s\n", v)
		}
		fmt.Println("\nVERIFICATION FAILED: invalid status paths detected")
		os.Exit(1)
	}

	fmt.Println("\nVERIFICATION PASSED: every attempt followed a valid status path")
}
