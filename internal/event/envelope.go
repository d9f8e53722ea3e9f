package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeIncreasePosition
	EventTypeDecreasePosition
	EventTypeLiquidatePosition
	EventTypeClosePosition
	EventTypeBuyStableUnit
	EventTypeSellStableUnit
	EventTypeSwap
	EventTypeUpdateFundingRate
	EventTypeDirectPoolDeposit
	EventTypeCollectFees
	EventTypeWithdrawFees
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	EventID uuid.UUID

	// Idempotency key of the command that produced the event
	CommandID string

	// Event type discriminator
	EventType EventType

	// Asset the event is routed by
	AssetID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying the command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all vault event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the asset the event is routed by
	AssetID() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeIncreasePosition:
		return "IncreasePosition"
	case EventTypeDecreasePosition:
		return "DecreasePosition"
	case EventTypeLiquidatePosition:
		return "LiquidatePosition"
	case EventTypeClosePosition:
		return "ClosePosition"
	case EventTypeBuyStableUnit:
		return "BuyStableUnit"
	case EventTypeSellStableUnit:
		return "SellStableUnit"
	case EventTypeSwap:
		return "Swap"
	case EventTypeUpdateFundingRate:
		return "UpdateFundingRate"
	case EventTypeDirectPoolDeposit:
		return "DirectPoolDeposit"
	case EventTypeCollectFees:
		return "CollectFees"
	case EventTypeWithdrawFees:
		return "WithdrawFees"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeIncreasePosition; et <= EventTypeWithdrawFees; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// NewEnvelope encodes e into an envelope without sequence or hashes; the
// processor fills those in.
func NewEnvelope(commandID string, e Event, ts time.Time) (*EventEnvelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return &EventEnvelope{
		EventID:   uuid.New(),
		CommandID: commandID,
		EventType: e.EventType(),
		AssetID:   e.AssetID(),
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// Decode returns the typed payload of an envelope.
func Decode(et EventType, payload []byte) (Event, error) {
	var e Event
	switch et {
	case EventTypeIncreasePosition:
		e = &IncreasePosition{}
	case EventTypeDecreasePosition:
		e = &DecreasePosition{}
	case EventTypeLiquidatePosition:
		e = &LiquidatePosition{}
	case EventTypeClosePosition:
		e = &ClosePosition{}
	case EventTypeBuyStableUnit:
		e = &BuyStableUnit{}
	case EventTypeSellStableUnit:
		e = &SellStableUnit{}
	case EventTypeSwap:
		e = &Swap{}
	case EventTypeUpdateFundingRate:
		e = &UpdateFundingRate{}
	case EventTypeDirectPoolDeposit:
		e = &DirectPoolDeposit{}
	case EventTypeCollectFees:
		e = &CollectFees{}
	case EventTypeWithdrawFees:
		e = &WithdrawFees{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return e, nil
}
