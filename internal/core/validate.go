package core

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/match"
	"SpotEngine/internal/order"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate cross-checks the ledger, the registry and both books:
//   - no non-debt balance is negative
//   - every active order is open, partly unfilled and resting in its own book
//   - the books hold exactly the registry's orders
//   - each user's frozen balance equals what their active orders reserve
//
// It walks all state and is meant for debug mode and tests.
func (s *Sequencer) Validate() error {
	if err := s.ledger.ValidateNonNegative(); err != nil {
		return err
	}

	reserved := make(map[int64]map[ledger.Asset]decimal.Decimal)
	active := s.registry.ActiveOrders()

	for _, o := range active {
		snap := o.Snapshot()
		if snap.Status != order.StatusPending && snap.Status != order.StatusPartialFilled {
			return fmt.Errorf("active order %d has status %s", snap.ID, snap.Status)
		}
		if !snap.UnfilledQuantity.IsPositive() || snap.UnfilledQuantity.GreaterThan(snap.Quantity) {
			return fmt.Errorf("active order %d has unfilled %s of %s", snap.ID, snap.UnfilledQuantity, snap.Quantity)
		}
		if !resting(s.bookFor(snap.Direction), o) {
			return fmt.Errorf("active order %d is not resting in the %s book", snap.ID, snap.Direction)
		}

		asset, amount := order.ReservedAsset(snap.Direction, snap.Price, snap.UnfilledQuantity)
		byAsset, ok := reserved[snap.UserID]
		if !ok {
			byAsset = make(map[ledger.Asset]decimal.Decimal)
			reserved[snap.UserID] = byAsset
		}
		byAsset[asset] = byAsset[asset].Add(amount)
	}

	if n := s.engine.BuyBook().Len() + s.engine.SellBook().Len(); n != len(active) {
		return fmt.Errorf("books hold %d orders, registry has %d", n, len(active))
	}

	for _, user := range s.ledger.UserIDs() {
		for _, asset := range ledger.Assets() {
			frozen := s.ledger.GetBalance(user, asset).Frozen
			want := reserved[user][asset]
			if !frozen.Equal(want) {
				return fmt.Errorf("user %d frozen %s is %s, active orders reserve %s", user, asset, frozen, want)
			}
		}
	}
	return nil
}

func (s *Sequencer) bookFor(d order.Direction) *match.OrderBook {
	if d == order.Buy {
		return s.engine.BuyBook()
	}
	return s.engine.SellBook()
}

func resting(book *match.OrderBook, o *order.Order) bool {
	found, ok := book.Find(o)
	return ok && found == o
}
