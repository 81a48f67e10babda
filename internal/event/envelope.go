package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderRequest
	EventTypeOrderCancel
	EventTypeTransfer
)

func (et EventType) String() string {
	switch et {
	case EventTypeOrderRequest:
		return "OrderRequest"
	case EventTypeOrderCancel:
		return "OrderCancel"
	case EventTypeTransfer:
		return "Transfer"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "OrderRequest":
		return EventTypeOrderRequest, true
	case "OrderCancel":
		return EventTypeOrderCancel, true
	case "Transfer":
		return EventTypeTransfer, true
	default:
		return EventTypeUnknown, false
	}
}

// Outcome tells whether an applied event changed domain state or was
// refused for a business reason. Both advance the sequence.
type Outcome uint8

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeRejected {
		return "rejected"
	}
	return "accepted"
}

// Rejection reasons carried on the envelope.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonOrderNotFound     = "order_not_found"
	ReasonNotOrderOwner     = "not_order_owner"
)

// Envelope records how one event was applied.
type Envelope struct {
	// Sequence id assigned upstream
	SequenceID int64

	// Sequence id of the event before it in the log
	PreviousID int64

	EventType EventType
	Outcome   Outcome
	Reason    string

	// Versioned input timestamp (NOT wall-clock)
	CreatedAt time.Time

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}
