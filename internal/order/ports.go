package order

import "context"

// QuoteSource returns the best available quote across venues
type QuoteSource interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (Quote, error)
}

// ExecutionEngine executes a swap against a chosen quote
type ExecutionEngine interface {
	Execute(ctx context.Context, quote Quote, targetPrice float64) (ExecutionResult, error)
}

// Store persists order records
type Store interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, orderID string, u Update) error
	Get(ctx context.Context, orderID string) (Order, error)
}
