package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side an order trades on.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	Buy
	Sell
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the direction an order of d matches against.
func (d Direction) Opposite() Direction {
	switch d {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return DirectionUnknown
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	if d != Buy && d != Sell {
		return nil, fmt.Errorf("unknown direction %d", d)
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "BUY", "buy":
		*d = Buy
	case "SELL", "sell":
		*d = Sell
	default:
		return fmt.Errorf("unknown direction %q", string(text))
	}
	return nil
}

// Status is the lifecycle state of an order. The zero value means the order
// has been created but not yet matched.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusPartialFilled
	StatusFullyFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPartialFilled:
		return "PARTIAL_FILLED"
	case StatusFullyFilled:
		return "FULLY_FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusNone, StatusPending, StatusPartialFilled, StatusFullyFilled, StatusCancelled} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", string(text))
}

// Final reports whether no further fills can happen.
func (s Status) Final() bool {
	return s == StatusFullyFilled || s == StatusCancelled
}

// Order is a limit order. The exported fields never change after creation;
// the fill state is guarded by mu so API readers see each update whole.
type Order struct {
	ID         int64
	SequenceID int64
	UserID     int64
	Direction  Direction
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	CreatedAt  time.Time

	mu       sync.RWMutex
	status   Status
	unfilled decimal.Decimal
	updated  time.Time
	version  int64
}

// New builds an order with its full quantity unfilled.
func New(id, sequenceID, userID int64, direction Direction, price, quantity decimal.Decimal, ts time.Time) *Order {
	return &Order{
		ID:         id,
		SequenceID: sequenceID,
		UserID:     userID,
		Direction:  direction,
		Price:      price,
		Quantity:   quantity,
		CreatedAt:  ts,
		unfilled:   quantity,
		updated:    ts,
	}
}

// Update sets the fill state and bumps the version once.
func (o *Order) Update(unfilled decimal.Decimal, status Status, ts time.Time) {
	o.mu.Lock()
	o.unfilled = unfilled
	o.status = status
	o.updated = ts
	o.version++
	o.mu.Unlock()
}

func (o *Order) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Order) UnfilledQuantity() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.unfilled
}

func (o *Order) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updated
}

func (o *Order) Version() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// FilledQuantity returns quantity - unfilled.
func (o *Order) FilledQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.UnfilledQuantity())
}

// Snapshot is a plain copy of an order, safe to hand to other goroutines.
type Snapshot struct {
	ID               int64           `json:"id"`
	SequenceID       int64           `json:"sequence_id"`
	UserID           int64           `json:"user_id"`
	Direction        Direction       `json:"direction"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnfilledQuantity decimal.Decimal `json:"unfilled_quantity"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int64           `json:"version"`
}

func (o *Order) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		ID:               o.ID,
		SequenceID:       o.SequenceID,
		UserID:           o.UserID,
		Direction:        o.Direction,
		Price:            o.Price,
		Quantity:         o.Quantity,
		UnfilledQuantity: o.unfilled,
		Status:           o.status,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.updated,
		Version:          o.version,
	}
}

func (o *Order) String() string {
	s := o.Snapshot()
	return fmt.Sprintf("order{id=%d user=%d %s %s@%s unfilled=%s %s v%d}",
		s.ID, s.UserID, s.Direction, s.Quantity, s.Price, s.UnfilledQuantity, s.Status, s.Version)
}
