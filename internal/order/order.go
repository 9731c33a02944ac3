// Package order holds the limit order data model shared by the queue, the
// worker, the broadcaster and the store, plus the ports those components
// consume.
package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOrder is returned when an order carries non-positive amounts
	ErrInvalidOrder = errors.New("invalid order")

	// ErrNotFound is returned by stores for unknown order ids
	ErrNotFound = errors.New("order not found")

	// ErrAlreadyExists is returned by Store.Create for a known order id
	ErrAlreadyExists = errors.New("order already exists")

	// ErrInvalidTransition is returned for status sequences outside the state graph
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Order is the persisted limit order record
type Order struct {
	ID            string    `json:"id"`
	TokenIn       string    `json:"tokenIn"`
	TokenOut      string    `json:"tokenOut"`
	Amount        float64   `json:"amount"`
	TargetPrice   float64   `json:"targetPrice"`
	Status        Status    `json:"status"`
	SelectedVenue string    `json:"selectedDex,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	ExecutedPrice float64   `json:"executedPrice,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New creates a pending order
func New(id, tokenIn, tokenOut string, amount, targetPrice float64) Order {
	now := time.Now().UTC()
	return Order{
		ID:          id,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Amount:      amount,
		TargetPrice: targetPrice,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Update is a partial change to an order. Nil fields are left untouched.
type Update struct {
	Status        Status
	SelectedVenue *string
	TxHash        *string
	ExecutedPrice *float64
	FailureReason *string

	// Event is the status event behind this update; stores with an outbox
	// record it alongside the row change.
	Event *StatusEvent
}

// Apply merges u into o
func (o *Order) Apply(u Update) {
	if u.Status != "" {
		o.Status = u.Status
	}
	if u.SelectedVenue != nil {
		o.SelectedVenue = *u.SelectedVenue
	}
	if u.TxHash != nil {
		o.TxHash = *u.TxHash
	}
	if u.ExecutedPrice != nil {
		o.ExecutedPrice = *u.ExecutedPrice
	}
	if u.FailureReason != nil {
		o.FailureReason = *u.FailureReason
	}
	o.UpdatedAt = time.Now().UTC()
}

// JobPayload is the queue payload for one order
type JobPayload struct {
	OrderID     string  `json:"orderId"`
	TokenIn     string  `json:"tokenIn"`
	TokenOut    string  `json:"tokenOut"`
	Amount      float64 `json:"amount"`
	TargetPrice float64 `json:"targetPrice"`
}

// PayloadOf builds the job payload for o
func PayloadOf(o Order) JobPayload {
	return JobPayload{
		OrderID:     o.ID,
		TokenIn:     o.TokenIn,
		TokenOut:    o.TokenOut,
		Amount:      o.Amount,
		TargetPrice: o.TargetPrice,
	}
}

// Validate rejects payloads that must never be executed
func (p JobPayload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("%w: order id cannot be empty", ErrInvalidOrder)
	}
	if p.TokenIn == "" || p.TokenOut == "" {
		return fmt.Errorf("%w: token pair cannot be empty", ErrInvalidOrder)
	}
	if !(p.Amount > 0) {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidOrder)
	}
	if !(p.TargetPrice > 0) {
		return fmt.Errorf("%w: target price must be greater than 0", ErrInvalidOrder)
	}
	return nil
}

// Quote is a venue's offered price for a trade
type Quote struct {
	Price float64 `json:"price"`
	Fee   float64 `json:"fee"`
	Venue string  `json:"venue"`
}

// ExecutionResult is the settlement outcome of a swap
type ExecutionResult struct {
	TxHash        string  `json:"txHash"`
	ExecutedPrice float64 `json:"executedPrice"`
	Venue         string  `json:"selectedDex"`
}
