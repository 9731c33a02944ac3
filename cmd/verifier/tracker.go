package main

import (
	"fmt"
	"sort"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
)

type attemptKey struct {
	orderID string
	attempt int
}

// tracker collects mirrored status events per (order, attempt). Outbox
// republishes are dropped by event ID.
type tracker struct {
	seen       map[string]struct{}
	paths      map[attemptKey][]order.Status
	republish  int
	totalCount int
}

func newTracker() *tracker {
	return &tracker{
		seen:  make(map[string]struct{}),
		paths: make(map[attemptKey][]order.Status),
	}
}

// add records one event; it reports false for a republished copy
func (t *tracker) add(ev msg.OrderEventMsg) bool {
	t.totalCount++
	if _, dup := t.seen[ev.EventID]; dup {
		t.republish++
		return false
	}
	t.seen[ev.EventID] = struct{}{}

	k := attemptKey{orderID: ev.Event.OrderID, attempt: ev.Event.Attempt}
	t.paths[k] = append(t.paths[k], ev.Event.Status)
	return true
}

func (t *tracker) orders() int {
	ids := make(map[string]struct{})
	for k := range t.paths {
		ids[k.orderID] = struct{}{}
	}
	return len(ids)
}

// violations lists every attempt whose statuses are not a valid path.
// Attempts still in flight when consumption stopped are not violations.
func (t *tracker) violations() []string {
	var out []string
	for k, statuses := range t.paths {
		if err := order.ValidatePath(statuses); err != nil {
			out = append(out, fmt.Sprintf("order %s attempt %d: %v %v", k.orderID, k.attempt, statuses, err))
		}
	}
	sort.Strings(out)
	return out
}

// outcomes counts attempts by their final status
func (t *tracker) outcomes() map[order.Status]int {
	out := make(map[order.Status]int)
	for _, statuses := range t.paths {
		out[statuses[len(statuses)-1]]++
	}
	return out
}
