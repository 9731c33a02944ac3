package main

import (
	"testing"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id, orderID string, attempt int, status order.Status) msg.OrderEventMsg {
	return msg.OrderEventMsg{
		EventID: id,
		Event:   order.NewStatusEvent(orderID, status, attempt, nil),
	}
}

func TestTracker_ValidAttempts(t *testing.T) {
	tr := newTracker()
	path := []order.Status{
		order.StatusPending, order.StatusRouting, order.StatusWaitingPrice,
		order.StatusBuilding, order.StatusFailed,
	}
	for i, s := range path {
		tr.add(event(string(rune('a'+i)), "o1", 1, s))
	}
	tr.add(event("x1", "o1", 2, order.StatusPending))
	tr.add(event("x2", "o1", 2, order.StatusRouting))

	assert.Empty(t, tr.violations(), "a failed attempt may be followed by a retry")
	assert.Equal(t, 1, tr.orders())
	assert.Equal(t, 1, tr.outcomes()[order.StatusFailed])
}

func TestTracker_DropsRepublishedEvents(t *testing.T) {
	tr := newTracker()

	assert.True(t, tr.add(event("e1", "o1", 1, order.StatusPending)))
	assert.False(t, tr.add(event("e1", "o1", 1, order.StatusPending)))
	assert.True(t, tr.add(event("e2", "o1", 1, order.StatusRouting)))

	assert.Equal(t, 1, tr.republish)
	assert.Equal(t, 3, tr.totalCount)
	assert.Empty(t, tr.violations())
}

func TestTracker_ReportsEventsAfterTerminal(t *testing.T) {
	tr := newTracker()
	tr.add(event("e1", "o1", 1, order.StatusPending))
	tr.add(event("e2", "o1", 1, order.StatusFailed))
	tr.add(event("e3", "o1", 1, order.StatusRouting))

	v := tr.violations()
	require.Len(t, v, 1)
	assert.Contains(t, v[0], "order o1 attempt 1")
}
