package event

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"time"

	"github.com/shopspring/decimal"
)

// Header is the sequencing metadata stamped on every event upstream.
type Header struct {
	SequenceID int64
	PreviousID int64
	CreatedAt  time.Time
}

func (h Header) Meta() Header {
	return h
}

// Event is one of OrderRequest, OrderCancel or Transfer. Consumers handle
// events through Dispatch, so every Handler covers every kind.
type Event interface {
	Meta() Header
	EventType() EventType
	Dispatch(h Handler) error
}

// Handler receives an event of each concrete kind.
type Handler interface {
	OnOrderRequest(e *OrderRequest) error
	OnOrderCancel(e *OrderCancel) error
	OnTransfer(e *Transfer) error
}

// OrderRequest places a limit order. The new order's id is the event's
// sequence id.
type OrderRequest struct {
	Header
	UserID    int64
	Direction order.Direction
	Price     decimal.Decimal
	Quantity  decimal.Decimal
}

func (e *OrderRequest) EventType() EventType     { return EventTypeOrderRequest }
func (e *OrderRequest) Dispatch(h Handler) error { return h.OnOrderRequest(e) }

// OrderCancel cancels a resting order. A non-zero UserID must own the order.
type OrderCancel struct {
	Header
	UserID  int64
	OrderID int64
}

func (e *OrderCancel) EventType() EventType     { return EventTypeOrderCancel }
func (e *OrderCancel) Dispatch(h Handler) error { return h.OnOrderCancel(e) }

// Transfer moves available funds between users. Deposits come from
// ledger.DebtUserID with CheckBalance off.
type Transfer struct {
	Header
	FromUserID   int64
	ToUserID     int64
	Asset        ledger.Asset
	Amount       decimal.Decimal
	CheckBalance bool
}

func (e *Transfer) EventType() EventType     { return EventTypeTransfer }
func (e *Transfer) Dispatch(h Handler) error { return h.OnTransfer(e) }
