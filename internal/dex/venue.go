// Package dex simulates decentralized-exchange venues and routes quote
// requests to the venue offering the best price.
package dex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/chaos"
	"github.com/ismaiel54/limit-order-pipeline/internal/observability"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

// Venue quotes a swap of amount tokenIn for tokenOut
type Venue interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error)
}

// DefaultBasePrice applies to pairs missing from the price book
const DefaultBasePrice = 100.0

// PriceBook maps "IN-OUT" pairs to a reference price
type PriceBook map[string]float64

// DefaultPriceBook returns the reference prices used by the simulators
func DefaultPriceBook() PriceBook {
	return PriceBook{
		"SOL-USDC": 180,
		"USDC-SOL": 1.0 / 180,
	}
}

// Base returns the reference price for a pair, trying the reverse pair
// before falling back to DefaultBasePrice.
func (b PriceBook) Base(tokenIn, tokenOut string) float64 {
	if p, ok := b[tokenIn+"-"+tokenOut]; ok {
		return p
	}
	if p, ok := b[tokenOut+"-"+tokenIn]; ok && p != 0 {
		return 1 / p
	}
	return DefaultBasePrice
}

// SimulatorConfig describes a simulated venue
type SimulatorConfig struct {
	Name    string
	MinMul  float64
	MaxMul  float64
	FeeRate float64
	Latency time.Duration
	Prices  PriceBook
	Seed    int64
}

// RaydiumConfig quotes within ±2% of the base price at a 0.3% fee
func RaydiumConfig() SimulatorConfig {
	return SimulatorConfig{
		Name:    "Raydium",
		MinMul:  0.98,
		MaxMul:  1.02,
		FeeRate: 0.003,
		Latency: 200 * time.Millisecond,
		Prices:  DefaultPriceBook(),
		Seed:    time.Now().UnixNano(),
	}
}

// MeteoraConfig quotes within ±3% of the base price at a 0.35% fee
func MeteoraConfig() SimulatorConfig {
	return SimulatorConfig{
		Name:    "Meteora",
		MinMul:  0.97,
		MaxMul:  1.03,
		FeeRate: 0.0035,
		Latency: 200 * time.Millisecond,
		Prices:  DefaultPriceBook(),
		Seed:    time.Now().UnixNano() + 1,
	}
}

// Simulator is a Venue that returns randomized prices around a base price
type Simulator struct {
	cfg    SimulatorConfig
	chaos  *chaos.Chaos
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulated venue. c may be nil.
func NewSimulator(cfg SimulatorConfig, c *chaos.Chaos, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prices == nil {
		cfg.Prices = DefaultPriceBook()
	}
	return &Simulator{
		cfg:    cfg,
		chaos:  c,
		logger: logger.With(zap.String("venue", cfg.Name)),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Simulator) Name() string {
	return s.cfg.Name
}

func (s *Simulator) Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error) {
	start := time.Now()
	defer func() {
		observability.QuoteLatency.WithLabelValues(s.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return order.Quote{}, ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.chaos.MaybeDelay(ctx, chaos.TargetQuote, s.cfg.Name); err != nil {
		return order.Quote{}, err
	}
	if err := s.chaos.MaybeFail(chaos.TargetQuote, s.cfg.Name); err != nil {
		return order.Quote{}, fmt.Errorf("%s quote: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	mul := s.cfg.MinMul + s.rng.Float64()*(s.cfg.MaxMul-s.cfg.MinMul)
	s.mu.Unlock()

	q := order.Quote{
		Price: s.cfg.Prices.Base(tokenIn, tokenOut) * mul,
		Fee:   amount * s.cfg.FeeRate,
		Venue: s.cfg.Name,
	}

	s.logger.Debug("quote",
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Float64("amount", amount),
		zap.Float64("price", q.Price),
		zap.Float64("fee", q.Fee),
	)
	return q, nil
}
