package order

import (
	"SpotEngine/internal/ledger"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder   = errors.New("order: invalid order")
	ErrDuplicateOrder = errors.New("order: duplicate order id")
	ErrOrderNotFound  = errors.New("order: order not found")
)

// Registry indexes active orders by id and by owning user, and reserves the
// funds an order needs before it is accepted.
type Registry struct {
	ledger *ledger.Ledger

	mu     sync.RWMutex
	active map[int64]*Order
	byUser map[int64]map[int64]*Order
}

func NewRegistry(l *ledger.Ledger) *Registry {
	return &Registry{
		ledger: l,
		active: make(map[int64]*Order),
		byUser: make(map[int64]map[int64]*Order),
	}
}

// ReservedAsset returns the asset and amount an order of the given shape
// keeps frozen while it rests: quote for buys, base for sells.
func ReservedAsset(direction Direction, price, quantity decimal.Decimal) (ledger.Asset, decimal.Decimal) {
	if direction == Buy {
		return ledger.AssetUSD, price.Mul(quantity)
	}
	return ledger.AssetBTC, quantity
}

// CreateOrder freezes the order's reserve and indexes it. It returns
// (nil, false, nil) when the user cannot cover the reserve; errors are
// reserved for malformed input and index corruption.
func (r *Registry) CreateOrder(sequenceID int64, ts time.Time, orderID, userID int64, direction Direction, price, quantity decimal.Decimal) (*Order, bool, error) {
	if direction != Buy && direction != Sell {
		return nil, false, fmt.Errorf("%w: direction %d", ErrInvalidOrder, direction)
	}
	if !price.IsPositive() || !quantity.IsPositive() {
		return nil, false, fmt.Errorf("%w: price=%s quantity=%s", ErrInvalidOrder, price, quantity)
	}

	r.mu.RLock()
	_, exists := r.active[orderID]
	r.mu.RUnlock()
	if exists {
		return nil, false, fmt.Errorf("%w: %d", ErrDuplicateOrder, orderID)
	}

	asset, amount := ReservedAsset(direction, price, quantity)
	ok, err := r.ledger.TryFreeze(userID, asset, amount)
	if err != nil {
		return nil, false, fmt.Errorf("freeze %s %s: %w", amount, asset, err)
	}
	if !ok {
		return nil, false, nil
	}

	o := New(orderID, sequenceID, userID, direction, price, quantity, ts)

	r.mu.Lock()
	r.active[orderID] = o
	orders, ok := r.byUser[userID]
	if !ok {
		orders = make(map[int64]*Order)
		r.byUser[userID] = orders
	}
	orders[orderID] = o
	r.mu.Unlock()

	return o, true, nil
}

// RemoveOrder drops the order from both indices. A missing entry in either
// index means the registry is out of sync with the book.
func (r *Registry) RemoveOrder(orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.active[orderID]
	if !ok {
		return fmt.Errorf("%w: %d not active", ErrOrderNotFound, orderID)
	}
	orders, ok := r.byUser[o.UserID]
	if !ok {
		return fmt.Errorf("%w: user %d has no orders indexed", ErrOrderNotFound, o.UserID)
	}
	if _, ok := orders[orderID]; !ok {
		return fmt.Errorf("%w: %d missing from user %d index", ErrOrderNotFound, orderID, o.UserID)
	}

	delete(r.active, orderID)
	delete(orders, orderID)
	if len(orders) == 0 {
		delete(r.byUser, o.UserID)
	}
	return nil
}

func (r *Registry) GetOrder(orderID int64) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.active[orderID]
	return o, ok
}

// GetUserOrders returns the user's active orders by ascending id.
func (r *Registry) GetUserOrders(userID int64) []*Order {
	r.mu.RLock()
	orders := make([]*Order, 0, len(r.byUser[userID]))
	for _, o := range r.byUser[userID] {
		orders = append(orders, o)
	}
	r.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

// ActiveOrders returns every active order by ascending id.
func (r *Registry) ActiveOrders() []*Order {
	r.mu.RLock()
	orders := make([]*Order, 0, len(r.active))
	for _, o := range r.active {
		orders = append(orders, o)
	}
	r.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
