package ingestion

import (
	"SpotEngine/internal/event"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidEvent = errors.New("invalid event")

// PeekSequenceID reads only the sequence_id of a wire message. It returns 0
// when data is not JSON or carries no positive sequence id.
func PeekSequenceID(data []byte) int64 {
	var head struct {
		SequenceID int64 `json:"sequence_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.SequenceID < 0 {
		return 0
	}
	return head.SequenceID
}

// ParseRawEvent decodes the wire JSON and checks everything the sequencer
// would otherwise treat as a fatal contract violation, so a malformed
// message is dropped here instead of halting the engine.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	evt, err := event.Unmarshal(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Validate checks the header and the kind-specific fields of evt.
func Validate(evt event.Event) error {
	h := evt.Meta()
	switch {
	case h.SequenceID <= 0:
		return invalid("sequence_id %d must be positive", h.SequenceID)
	case h.PreviousID < 0 || h.PreviousID >= h.SequenceID:
		return invalid("previous_id %d must be in [0, %d)", h.PreviousID, h.SequenceID)
	case h.CreatedAt.IsZero():
		return invalid("event %d has no created_at", h.SequenceID)
	}
	return evt.Dispatch(fieldValidator{})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

type fieldValidator struct{}

func (fieldValidator) OnOrderRequest(e *event.OrderRequest) error {
	if e.UserID <= 0 {
		return invalid("order user_id %d", e.UserID)
	}
	if e.Direction != order.Buy && e.Direction != order.Sell {
		return invalid("order direction %d", e.Direction)
	}
	if !e.Price.IsPositive() {
		return invalid("order price %s must be positive", e.Price)
	}
	if !e.Quantity.IsPositive() {
		return invalid("order quantity %s must be positive", e.Quantity)
	}
	return nil
}

func (fieldValidator) OnOrderCancel(e *event.OrderCancel) error {
	if e.OrderID <= 0 {
		return invalid("cancel order_id %d", e.OrderID)
	}
	if e.UserID < 0 {
		return invalid("cancel user_id %d", e.UserID)
	}
	return nil
}

func (fieldValidator) OnTransfer(e *event.Transfer) error {
	if e.FromUserID <= 0 || e.ToUserID <= 0 {
		return invalid("transfer users %d->%d", e.FromUserID, e.ToUserID)
	}
	if !e.Asset.Valid() {
		return invalid("transfer asset %d", e.Asset)
	}
	if !e.Amount.IsPositive() {
		return invalid("transfer amount %s must be positive", e.Amount)
	}
	if !e.CheckBalance && e.FromUserID != ledger.DebtUserID {
		return invalid("only the debt account may transfer without a balance check")
	}
	return nil
}
