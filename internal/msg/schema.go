package msg

import (
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
)

// OrderCmdMsg asks the pipeline to execute a limit order
type OrderCmdMsg struct {
	EventID      string  `json:"event_id"`
	OrderID      string  `json:"order_id"`
	TokenIn      string  `json:"token_in"`
	TokenOut     string  `json:"token_out"`
	Amount       float64 `json:"amount"`
	TargetPrice  float64 `json:"target_price"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// Payload returns the job payload the command describes
func (c OrderCmdMsg) Payload() order.JobPayload {
	return order.JobPayload{
		OrderID:     c.OrderID,
		TokenIn:     c.TokenIn,
		TokenOut:    c.TokenOut,
		Amount:      c.Amount,
		TargetPrice: c.TargetPrice,
	}
}

// OrderEventMsg mirrors one status event onto orders.events. EventID is
// unique per outbox row so consumers can drop republished copies.
type OrderEventMsg struct {
	EventID      string            `json:"event_id"`
	Event        order.StatusEvent `json:"event"`
	TsUnixMillis int64             `json:"ts_unix_millis"`
}
