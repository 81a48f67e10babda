package match

import (
	"SpotEngine/internal/order"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateKey = errors.New("match: order key already in book")
	ErrNotResting   = errors.New("match: order not resting in book")
	ErrBadDirection = errors.New("match: unknown order direction")
)

// Fill is one execution between the taker and a resting maker.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Maker    *order.Order
}

// MatchResult collects the fills produced by one incoming order.
type MatchResult struct {
	Taker *order.Order
	Fills []Fill
}

func (r *MatchResult) add(price, quantity decimal.Decimal, maker *order.Order) {
	r.Fills = append(r.Fills, Fill{Price: price, Quantity: quantity, Maker: maker})
}

// FilledQuantity sums the quantity across all fills.
func (r *MatchResult) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// Engine matches incoming orders against the opposite book with
// price-time priority. Trades execute at the maker's price.
//
// Not safe for concurrent writers; only the sequencer calls ProcessOrder
// and CancelOrder. Book and market price reads are safe from any goroutine.
type Engine struct {
	buyBook  *OrderBook
	sellBook *OrderBook

	mu          sync.RWMutex
	marketPrice decimal.Decimal
	sequenceID  int64
}

func NewEngine() *Engine {
	return &Engine{
		buyBook:     NewOrderBook(order.Buy),
		sellBook:    NewOrderBook(order.Sell),
		marketPrice: decimal.Zero,
	}
}

// ProcessOrder matches taker and rests any remainder in its own book.
func (e *Engine) ProcessOrder(sequenceID int64, taker *order.Order) (*MatchResult, error) {
	switch taker.Direction {
	case order.Buy:
		return e.processOrder(sequenceID, taker, e.sellBook, e.buyBook)
	case order.Sell:
		return e.processOrder(sequenceID, taker, e.buyBook, e.sellBook)
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadDirection, taker.Direction)
	}
}

func (e *Engine) processOrder(sequenceID int64, taker *order.Order, makerBook, restBook *OrderBook) (*MatchResult, error) {
	e.mu.Lock()
	e.sequenceID = sequenceID
	e.mu.Unlock()

	ts := taker.CreatedAt
	result := &MatchResult{Taker: taker}
	takerUnfilled := taker.UnfilledQuantity()

	for takerUnfilled.IsPositive() {
		maker, ok := makerBook.PeekBest()
		if !ok {
			break
		}
		if taker.Direction == order.Buy && taker.Price.LessThan(maker.Price) {
			break
		}
		if taker.Direction == order.Sell && taker.Price.GreaterThan(maker.Price) {
			break
		}

		e.setMarketPrice(maker.Price)

		makerUnfilled := maker.UnfilledQuantity()
		qty := decimal.Min(takerUnfilled, makerUnfilled)
		result.add(maker.Price, qty, maker)

		takerUnfilled = takerUnfilled.Sub(qty)
		makerUnfilled = makerUnfilled.Sub(qty)

		if makerUnfilled.IsZero() {
			maker.Update(makerUnfilled, order.StatusFullyFilled, ts)
			makerBook.Remove(maker)
		} else {
			maker.Update(makerUnfilled, order.StatusPartialFilled, ts)
		}

		if takerUnfilled.IsZero() {
			taker.Update(takerUnfilled, order.StatusFullyFilled, ts)
			break
		}
	}

	if takerUnfilled.IsPositive() {
		status := order.StatusPartialFilled
		if takerUnfilled.Equal(taker.Quantity) {
			status = order.StatusPending
		}
		taker.Update(takerUnfilled, status, ts)
		if !restBook.Add(taker) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, taker)
		}
	}
	return result, nil
}

// CancelOrder takes a resting order out of its book and marks it cancelled.
// The unfilled quantity is left as is so the caller can release the reserve.
func (e *Engine) CancelOrder(ts time.Time, o *order.Order) error {
	book := e.bookFor(o.Direction)
	if book == nil {
		return fmt.Errorf("%w: %d", ErrBadDirection, o.Direction)
	}
	if !book.Remove(o) {
		return fmt.Errorf("%w: %s", ErrNotResting, o)
	}
	o.Update(o.UnfilledQuantity(), order.StatusCancelled, ts)
	return nil
}

func (e *Engine) bookFor(d order.Direction) *OrderBook {
	switch d {
	case order.Buy:
		return e.buyBook
	case order.Sell:
		return e.sellBook
	default:
		return nil
	}
}

func (e *Engine) setMarketPrice(p decimal.Decimal) {
	e.mu.Lock()
	e.marketPrice = p
	e.mu.Unlock()
}

// MarketPrice returns the price of the most recent trade, zero before any.
func (e *Engine) MarketPrice() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.marketPrice
}

// SequenceID is the sequence of the last order processed. Diagnostic only.
func (e *Engine) SequenceID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequenceID
}

func (e *Engine) BuyBook() *OrderBook  { return e.buyBook }
func (e *Engine) SellBook() *OrderBook { return e.sellBook }

// Depth is an aggregated view of both books.
type Depth struct {
	Bids        []PriceLevel    `json:"bids"`
	Asks        []PriceLevel    `json:"asks"`
	MarketPrice decimal.Decimal `json:"market_price"`
	SequenceID  int64           `json:"sequence_id"`
}

func (e *Engine) Depth(maxLevels int) Depth {
	return Depth{
		Bids:        e.buyBook.Depth(maxLevels),
		Asks:        e.sellBook.Depth(maxLevels),
		MarketPrice: e.MarketPrice(),
		SequenceID:  e.SequenceID(),
	}
}
