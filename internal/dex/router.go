package dex

import (
	"context"
	"errors"
	"fmt"

	"github.com/ismaiel54/limit-order-pipeline/internal/chaos"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var _ order.QuoteSource = (*Router)(nil)

// ErrNoVenues is returned by a Router with nothing to ask
var ErrNoVenues = errors.New("no venues configured")

// Router asks every venue for a quote concurrently and picks the highest
// price. On a tie the venue listed first wins.
type Router struct {
	venues []Venue
	logger *zap.Logger
}

// NewRouter creates a router over venues in priority order
func NewRouter(logger *zap.Logger, venues ...Venue) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		venues: venues,
		logger: logger.With(zap.String("component", "dex-router")),
	}
}

// NewDefaultRouter routes between simulated Raydium and Meteora pools
func NewDefaultRouter(c *chaos.Chaos, logger *zap.Logger) *Router {
	return NewRouter(logger,
		NewSimulator(RaydiumConfig(), c, logger),
		NewSimulator(MeteoraConfig(), c, logger),
	)
}

// BestQuote fails if any venue fails
func (r *Router) BestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error) {
	if len(r.venues) == 0 {
		return order.Quote{}, ErrNoVenues
	}

	quotes := make([]order.Quote, len(r.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range r.venues {
		i, v := i, v
		g.Go(func() error {
			q, err := v.Quote(gctx, tokenIn, tokenOut, amount)
			if err != nil {
				return fmt.Errorf("failed to get %s quote: %w", v.Name(), err)
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return order.Quote{}, err
	}

	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Price > best.Price {
			best = q
		}
	}

	fields := []zap.Field{
		zap.String("selected_dex", best.Venue),
		zap.Float64("price", best.Price),
	}
	for _, q := range quotes {
		fields = append(fields, zap.Float64(q.Venue+"_price", q.Price))
	}
	r.logger.Debug("best quote selected", fields...)

	return best, nil
}
