package state

import (
	"fmt"
)

// SlotState is the lifecycle state of one position slot: Empty -> Open ->
// Open (mutated) -> Empty. There are no pending states.
type SlotState int32

const (
	SlotStateEmpty SlotState = iota
	SlotStateOpen
)

func (ss SlotState) String() string {
	switch ss {
	case SlotStateEmpty:
		return "Empty"
	case SlotStateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// SlotStateOf returns the state of pos (nil is Empty).
func SlotStateOf(pos *Position) SlotState {
	if pos.IsEmpty() {
		return SlotStateEmpty
	}
	return SlotStateOpen
}

// ActionType is a mutating position operation
type ActionType int32

const (
	ActionTypeIncrease ActionType = iota
	ActionTypeDecrease
	ActionTypeLiquidate
)

func (at ActionType) String() string {
	switch at {
	case ActionTypeIncrease:
		return "Increase"
	case ActionTypeDecrease:
		return "Decrease"
	case ActionTypeLiquidate:
		return "Liquidate"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates slot transitions for an action
func (ss SlotState) CanTransitionTo(next SlotState, action ActionType) bool {
	transitions := map[ActionType]map[SlotState][]SlotState{
		ActionTypeIncrease: {
			SlotStateEmpty: {SlotStateOpen},
			SlotStateOpen:  {SlotStateOpen},
		},
		ActionTypeDecrease: {
			SlotStateOpen: {SlotStateOpen, SlotStateEmpty},
		},
		ActionTypeLiquidate: {
			SlotStateOpen: {SlotStateEmpty},
		},
	}

	allowed, ok := transitions[action][ss]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if next == s {
			return true
		}
	}
	return false
}

// ValidateTransition fails when action moved the slot from before to after
// along an edge the lifecycle does not allow.
func ValidateTransition(before, after *Position, action ActionType) error {
	from, to := SlotStateOf(before), SlotStateOf(after)
	if !from.CanTransitionTo(to, action) {
		if from == SlotStateEmpty {
			return fmt.Errorf("%w: %s on %s slot", ErrPositionNotFound, action, from)
		}
		return fmt.Errorf("invalid position transition %s -> %s on %s", from, to, action)
	}
	return nil
}
