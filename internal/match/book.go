package match

import (
	"SpotEngine/internal/order"
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const bookDegree = 32

// OrderBook holds the resting orders of one direction, best first.
// Keys are (price, sequence id); both are immutable on an order, so an
// order's position never moves while its fill state changes.
type OrderBook struct {
	direction order.Direction

	mu   sync.RWMutex
	tree *btree.BTreeG[*order.Order]
}

// buyLess puts the highest bid first, earliest arrival breaking ties.
func buyLess(a, b *order.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.SequenceID < b.SequenceID
}

// sellLess puts the lowest ask first, earliest arrival breaking ties.
func sellLess(a, b *order.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.SequenceID < b.SequenceID
}

func NewOrderBook(direction order.Direction) *OrderBook {
	less := sellLess
	if direction == order.Buy {
		less = buyLess
	}
	return &OrderBook{
		direction: direction,
		tree:      btree.NewG[*order.Order](bookDegree, less),
	}
}

func (b *OrderBook) Direction() order.Direction {
	return b.direction
}

// PeekBest returns the best-priced, longest-waiting order.
func (b *OrderBook) PeekBest() (*order.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Min()
}

// Add inserts o. It returns false, leaving the book untouched, if an order
// with the same key already rests.
func (b *OrderBook) Add(o *order.Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tree.Has(o) {
		return false
	}
	b.tree.ReplaceOrInsert(o)
	return true
}

// Remove deletes the order with o's key. It returns false if none rests.
func (b *OrderBook) Remove(o *order.Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.tree.Delete(o)
	return ok
}

// Find returns the resting order with o's key.
func (b *OrderBook) Find(o *order.Order) (*order.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Get(o)
}

func (b *OrderBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}

// Orders returns the resting orders best first.
func (b *OrderBook) Orders() []*order.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*order.Order, 0, b.tree.Len())
	b.tree.Ascend(func(o *order.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// PriceLevel aggregates unfilled quantity at one price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth returns up to maxLevels aggregated price levels, best first.
func (b *OrderBook) Depth(maxLevels int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels []PriceLevel
	b.tree.Ascend(func(o *order.Order) bool {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(o.UnfilledQuantity())
			levels[n-1].Orders++
			return true
		}
		if n == maxLevels {
			return false
		}
		levels = append(levels, PriceLevel{Price: o.Price, Quantity: o.UnfilledQuantity(), Orders: 1})
		return true
	})
	return levels
}
