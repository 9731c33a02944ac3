// Package execution simulates swap execution against the venue chosen by
// the router.
package execution

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/chaos"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

var _ order.ExecutionEngine = (*Executor)(nil)

// Config controls simulated execution
type Config struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// Slippage bounds the executed price to quote*(1±Slippage)
	Slippage float64
	Seed     int64
}

// DefaultConfig takes 2-3s per swap with ±0.5% slippage
func DefaultConfig() Config {
	return Config{
		MinLatency: 2 * time.Second,
		MaxLatency: 3 * time.Second,
		Slippage:   0.005,
		Seed:       time.Now().UnixNano(),
	}
}

// Executor fills swaps at the quoted price plus random slippage
type Executor struct {
	cfg    Config
	chaos  *chaos.Chaos
	logger *zap.Logger

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewExecutor creates a simulated execution engine. c may be nil.
func NewExecutor(cfg Config, c *chaos.Chaos, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:    cfg,
		chaos:  c,
		logger: logger.With(zap.String("component", "executor")),
		rng:    mrand.New(mrand.NewSource(cfg.Seed)),
	}
}

// Execute swaps at the quote's venue. targetPrice is logged only; the
// caller has already checked it against the quote.
func (e *Executor) Execute(ctx context.Context, quote order.Quote, targetPrice float64) (order.ExecutionResult, error) {
	e.logger.Info("starting swap execution",
		zap.String("selected_dex", quote.Venue),
		zap.Float64("quote_price", quote.Price),
		zap.Float64("target_price", targetPrice),
	)

	e.mu.Lock()
	latency := e.cfg.MinLatency
	if spread := e.cfg.MaxLatency - e.cfg.MinLatency; spread > 0 {
		latency += time.Duration(e.rng.Int63n(int64(spread)))
	}
	variation := 1 - e.cfg.Slippage + e.rng.Float64()*2*e.cfg.Slippage
	e.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return order.ExecutionResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	if err := e.chaos.MaybeDelay(ctx, chaos.TargetExecute, quote.Venue); err != nil {
		return order.ExecutionResult{}, err
	}
	if err := e.chaos.MaybeFail(chaos.TargetExecute, quote.Venue); err != nil {
		return order.ExecutionResult{}, fmt.Errorf("swap on %s: %w", quote.Venue, err)
	}

	txHash, err := newTxHash()
	if err != nil {
		return order.ExecutionResult{}, err
	}

	result := order.ExecutionResult{
		TxHash:        txHash,
		ExecutedPrice: quote.Price * variation,
		Venue:         quote.Venue,
	}

	e.logger.Info("swap execution completed",
		zap.String("tx_hash", result.TxHash),
		zap.Float64("executed_price", result.ExecutedPrice),
		zap.String("selected_dex", result.Venue),
	)
	return result, nil
}

// newTxHash returns 32 random bytes, hex encoded
func newTxHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate tx hash: %w", err)
	}
	return hex.EncodeToString(b), nil
}
