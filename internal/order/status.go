package order

import "fmt"

// Status is the lifecycle state of a limit order
type Status string

const (
	StatusPending      Status = "pending"
	StatusRouting      Status = "routing"
	StatusWaitingPrice Status = "waiting-price"
	StatusBuilding     Status = "building"
	StatusSubmitted    Status = "submitted"
	StatusConfirmed    Status = "confirmed"
	StatusFailed       Status = "failed"
)

// transitions lists the allowed successors of every non-terminal status.
// waiting-price loops on itself once per price poll.
var transitions = map[Status][]Status{
	StatusPending:      {StatusRouting, StatusFailed},
	StatusRouting:      {StatusWaitingPrice, StatusFailed},
	StatusWaitingPrice: {StatusWaitingPrice, StatusBuilding, StatusFailed},
	StatusBuilding:     {StatusSubmitted, StatusFailed},
	StatusSubmitted:    {StatusConfirmed, StatusFailed},
}

// ParseStatus converts a wire string into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusWaitingPrice, StatusBuilding,
		StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether to may directly follow from
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidatePath checks that statuses form a path through the state graph
// starting at pending, with nothing after a terminal status.
func ValidatePath(statuses []Status) error {
	if len(statuses) == 0 {
		return nil
	}
	if statuses[0] != StatusPending {
		return fmt.Errorf("%w: path starts at %s", ErrInvalidTransition, statuses[0])
	}
	for i := 1; i < len(statuses); i++ {
		prev, next := statuses[i-1], statuses[i]
		if prev.IsTerminal() {
			return fmt.Errorf("%w: %s after terminal %s", ErrInvalidTransition, next, prev)
		}
		if !CanTransition(prev, next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
		}
	}
	return nil
}
