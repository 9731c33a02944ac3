package order

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventData is the status-specific payload of a StatusEvent.
// Implemented by QuoteData, SettlementData and FailureData.
type EventData interface {
	eventData()
}

// QuoteData accompanies routing, waiting-price and building events
type QuoteData struct {
	Venue string
	Price float64
}

// SettlementData accompanies submitted and confirmed events
type SettlementData struct {
	Venue         string
	TxHash        string
	ExecutedPrice float64
}

// FailureData accompanies failed events
type FailureData struct {
	Reason string
	Venue  string
}

func (QuoteData) eventData()      {}
func (SettlementData) eventData() {}
func (FailureData) eventData()    {}

// StatusEvent is a single status transition streamed to observers
type StatusEvent struct {
	OrderID   string
	Status    Status
	Timestamp time.Time
	Attempt   int
	Data      EventData
}

// NewStatusEvent stamps an event with the current time
func NewStatusEvent(orderID string, status Status, attempt int, data EventData) StatusEvent {
	return StatusEvent{
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Attempt:   attempt,
		Data:      data,
	}
}

// Update converts the event into the partial order change it implies
func (e StatusEvent) Update() Update {
	ev := e
	u := Update{Status: e.Status, Event: &ev}
	switch d := e.Data.(type) {
	case QuoteData:
		u.SelectedVenue = &d.Venue
	case SettlementData:
		u.SelectedVenue = &d.Venue
		u.TxHash = &d.TxHash
		u.ExecutedPrice = &d.ExecutedPrice
	case FailureData:
		u.FailureReason = &d.Reason
		if d.Venue != "" {
			u.SelectedVenue = &d.Venue
		}
	}
	return u
}

// wireEvent is the JSON shape observers receive
type wireEvent struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Timestamp string    `json:"timestamp"`
	Attempt   int       `json:"attempt,omitempty"`
	Data      *wireData `json:"data,omitempty"`
}

type wireData struct {
	SelectedDex   string  `json:"selectedDex,omitempty"`
	TxHash        string  `json:"txHash,omitempty"`
	Price         float64 `json:"price,omitempty"`
	BestPrice     float64 `json:"bestPrice,omitempty"`
	ExecutedPrice float64 `json:"executedPrice,omitempty"`
	FailureReason string  `json:"failureReason,omitempty"`
}

// MarshalJSON encodes the event in its wire format
func (e StatusEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		OrderID:   e.OrderID,
		Status:    e.Status,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Attempt:   e.Attempt,
	}

	switch d := e.Data.(type) {
	case QuoteData:
		w.Data = &wireData{SelectedDex: d.Venue}
		if e.Status == StatusWaitingPrice {
			w.Data.BestPrice = d.Price
		} else {
			w.Data.Price = d.Price
		}
	case SettlementData:
		w.Data = &wireData{SelectedDex: d.Venue, TxHash: d.TxHash, ExecutedPrice: d.ExecutedPrice}
	case FailureData:
		w.Data = &wireData{SelectedDex: d.Venue, FailureReason: d.Reason}
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format, rebuilding the variant from the status
func (e *StatusEvent) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	status, err := ParseStatus(string(w.Status))
	if err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid event timestamp: %w", err)
	}

	*e = StatusEvent{
		OrderID:   w.OrderID,
		Status:    status,
		Timestamp: ts,
		Attempt:   w.Attempt,
	}

	if w.Data == nil {
		return nil
	}

	switch status {
	case StatusRouting, StatusBuilding:
		e.Data = QuoteData{Venue: w.Data.SelectedDex, Price: w.Data.Price}
	case StatusWaitingPrice:
		e.Data = QuoteData{Venue: w.Data.SelectedDex, Price: w.Data.BestPrice}
	case StatusSubmitted, StatusConfirmed:
		e.Data = SettlementData{
			Venue:         w.Data.SelectedDex,
			TxHash:        w.Data.TxHash,
			ExecutedPrice: w.Data.ExecutedPrice,
		}
	case StatusFailed:
		e.Data = FailureData{Reason: w.Data.FailureReason, Venue: w.Data.SelectedDex}
	}

	return nil
}

// SnapshotEvent builds the event a new observer receives for a stored order
func SnapshotEvent(o Order) StatusEvent {
	ev := NewStatusEvent(o.ID, o.Status, 0, nil)
	switch o.Status {
	case StatusRouting, StatusWaitingPrice, StatusBuilding:
		if o.SelectedVenue != "" {
			ev.Data = QuoteData{Venue: o.SelectedVenue}
		}
	case StatusSubmitted, StatusConfirmed:
		ev.Data = SettlementData{Venue: o.SelectedVenue, TxHash: o.TxHash, ExecutedPrice: o.ExecutedPrice}
	case StatusFailed:
		ev.Data = FailureData{Reason: o.FailureReason, Venue: o.SelectedVenue}
	}
	return ev
}
