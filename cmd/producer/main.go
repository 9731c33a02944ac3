package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/limit-order-pipeline/internal/logging"
	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"go.uber.org/zap"
)

// pairs are traded with a target around the simulated SOL/USDC price,
// so some orders fill and some time out
var pairs = []struct {
	in, out string
	base    float64
}{
	{"SOL", "USDC", 180},
	{"USDC", "SOL", 1.0 / 180},
}

func main() {
	var (
		count   = flag.Int("count", 50, "Number of order commands to produce")
		dupPct  = flag.Int("dup-pct", 30, "Percentage of duplicates (0-100)")
		seed    = flag.Int64("seed", 42, "Random seed for deterministic generation")
		brokers = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic   = flag.String("topic", msg.TopicOrdersCommands, "Topic to produce to")
	)
	flag.Parse()

	logger, err := logging.NewLogger("producer", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	kafkaCfg := &msg.Config{Brokers: msg.ParseBrokers(*brokers), ClientID: "producer"}
	logger.Info("starting producer",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int64("seed", *seed),
		zap.Strings("brokers", kafkaCfg.Brokers),
		zap.String("topic", *topic),
	)

	producer, err := msg.NewProducer(kafkaCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	// Deterministic order IDs and prices
	rng := rand.New(rand.NewSource(*seed))
	cmds := make([]msg.OrderCmdMsg, 0, *count)
	var orderIDs []string
	dupCount := 0

	for i := 0; i < *count; i++ {
		if len(orderIDs) > 0 && rng.Intn(100) < *dupPct {
			// Redeliver an earlier command under a new event ID
			dup := cmds[rng.Intn(len(cmds))]
			dup.EventID = uuid.NewString()
			dup.TsUnixMillis = time.Now().UnixMilli()
			cmds = append(cmds, dup)
			dupCount++
			continue
		}

		p := pairs[rng.Intn(len(pairs))]
		orderID := fmt.Sprintf("ord-%d-%d", *seed, len(orderIDs))
		orderIDs = append(orderIDs, orderID)

		cmds = append(cmds, msg.OrderCmdMsg{
			EventID:      uuid.NewString(),
			OrderID:      orderID,
			TokenIn:      p.in,
			TokenOut:     p.out,
			Amount:       float64(1 + rng.Intn(10)),
			TargetPrice:  p.base * (0.98 + rng.Float64()*0.05),
			TsUnixMillis: time.Now().UnixMilli(),
		})
	}

	ctx := context.Background()
	produced := 0
	failed := 0

	for _, cmd := range cmds {
		if err := producer.ProduceJSON(ctx, *topic, cmd.OrderID, cmd); err != nil {
			logger.Error("failed to produce order command",
				zap.String("order_id", cmd.OrderID),
				zap.Error(err),
			)
			failed++
			continue
		}

		produced++
		logger.Debug("produced order command",
			zap.String("order_id", cmd.OrderID),
			zap.String("event_id", cmd.EventID),
		)
	}

	logger.Info("producer completed",
		zap.Int("total", *count),
		zap.Int("produced", produced),
		zap.Int("failed", failed),
		zap.Int("unique_orders", len(orderIDs)),
		zap.Int("duplicates", dupCount),
	)

	fmt.Printf("\n=== Producer Summary ===\n")
	fmt.Printf("Total commands: %d\n", *count)
	fmt.Printf("Produced: %d\n", produced)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Unique order IDs: %d\n", len(orderIDs))
	fmt.Printf("Duplicate commands: %d\n", dupCount)
	fmt.Printf("Topic: %s\n", *topic)
	fmt.Printf("\n")

	if failed > 0 {
		os.Exit(1)
	}
}
