package event

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wire format shared by the transport and the event log. Field names use
// snake_case and decimals travel as strings.
type wireEvent struct {
	Type       string          `json:"type"`
	SequenceID int64           `json:"sequence_id"`
	PreviousID int64           `json:"previous_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload"`
}

type orderRequestJSON struct {
	UserID    int64           `json:"user_id"`
	Direction order.Direction `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type orderCancelJSON struct {
	UserID  int64 `json:"user_id,omitempty"`
	OrderID int64 `json:"order_id"`
}

type transferJSON struct {
	FromUserID   int64           `json:"from_user_id"`
	ToUserID     int64           `json:"to_user_id"`
	Asset        ledger.Asset    `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	CheckBalance bool            `json:"check_balance"`
}

type payloadEncoder struct {
	data []byte
}

func (p *payloadEncoder) OnOrderRequest(e *OrderRequest) (err error) {
	p.data, err = json.Marshal(orderRequestJSON{
		UserID:    e.UserID,
		Direction: e.Direction,
		Price:     e.Price,
		Quantity:  e.Quantity,
	})
	return err
}

func (p *payloadEncoder) OnOrderCancel(e *OrderCancel) (err error) {
	p.data, err = json.Marshal(orderCancelJSON{UserID: e.UserID, OrderID: e.OrderID})
	return err
}

func (p *payloadEncoder) OnTransfer(e *Transfer) (err error) {
	p.data, err = json.Marshal(transferJSON{
		FromUserID:   e.FromUserID,
		ToUserID:     e.ToUserID,
		Asset:        e.Asset,
		Amount:       e.Amount,
		CheckBalance: e.CheckBalance,
	})
	return err
}

// MarshalPayload encodes only the kind-specific fields of e.
func MarshalPayload(e Event) ([]byte, error) {
	var enc payloadEncoder
	if err := e.Dispatch(&enc); err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}
	return enc.data, nil
}

// Marshal encodes e with its header and type discriminator.
func Marshal(e Event) ([]byte, error) {
	payload, err := MarshalPayload(e)
	if err != nil {
		return nil, err
	}
	h := e.Meta()
	return json.Marshal(wireEvent{
		Type:       e.EventType().String(),
		SequenceID: h.SequenceID,
		PreviousID: h.PreviousID,
		CreatedAt:  h.CreatedAt.UTC(),
		Payload:    payload,
	})
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	typ, ok := ParseEventType(w.Type)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %q", w.Type)
	}
	return Decode(typ, Header{
		SequenceID: w.SequenceID,
		PreviousID: w.PreviousID,
		CreatedAt:  w.CreatedAt,
	}, w.Payload)
}

// Decode builds an event from a header and a payload produced by MarshalPayload.
func Decode(typ EventType, h Header, payload []byte) (Event, error) {
	switch typ {
	case EventTypeOrderRequest:
		var j orderRequestJSON
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("parse OrderRequest: %w", err)
		}
		return &OrderRequest{
			Header:    h,
			UserID:    j.UserID,
			Direction: j.Direction,
			Price:     j.Price,
			Quantity:  j.Quantity,
		}, nil
	case EventTypeOrderCancel:
		var j orderCancelJSON
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("parse OrderCancel: %w", err)
		}
		return &OrderCancel{Header: h, UserID: j.UserID, OrderID: j.OrderID}, nil
	case EventTypeTransfer:
		var j transferJSON
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("parse Transfer: %w", err)
		}
		return &Transfer{
			Header:       h,
			FromUserID:   j.FromUserID,
			ToUserID:     j.ToUserID,
			Asset:        j.Asset,
			Amount:       j.Amount,
			CheckBalance: j.CheckBalance,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", typ)
	}
}
