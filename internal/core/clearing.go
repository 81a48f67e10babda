package core

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/match"
	"SpotEngine/internal/order"
	"fmt"
)

// clearing settles match results and cancellations against the ledger and
// drops finished orders from the registry. Every transfer here moves funds
// that an order froze earlier, so a shortfall means the books are corrupt.
type clearing struct {
	ledger   *ledger.Ledger
	registry *order.Registry
}

func (c *clearing) clearMatchResult(r *match.MatchResult) error {
	taker := r.Taker

	for _, f := range r.Fills {
		maker := f.Maker
		quote := f.Price.Mul(f.Quantity)

		switch taker.Direction {
		case order.Buy:
			// Taker froze at its own limit; release the difference to the maker's price.
			if taker.Price.GreaterThan(f.Price) {
				refund := taker.Price.Sub(f.Price).Mul(f.Quantity)
				if err := c.ledger.Unfreeze(taker.UserID, ledger.AssetUSD, refund); err != nil {
					return fmt.Errorf("refund taker %d: %w", taker.ID, err)
				}
			}
			if err := c.ledger.Transfer(ledger.FrozenToAvailable, taker.UserID, maker.UserID, ledger.AssetUSD, quote); err != nil {
				return fmt.Errorf("pay maker %d: %w", maker.ID, err)
			}
			if err := c.ledger.Transfer(ledger.FrozenToAvailable, maker.UserID, taker.UserID, ledger.AssetBTC, f.Quantity); err != nil {
				return fmt.Errorf("deliver to taker %d: %w", taker.ID, err)
			}
		case order.Sell:
			if err := c.ledger.Transfer(ledger.FrozenToAvailable, taker.UserID, maker.UserID, ledger.AssetBTC, f.Quantity); err != nil {
				return fmt.Errorf("deliver to maker %d: %w", maker.ID, err)
			}
			if err := c.ledger.Transfer(ledger.FrozenToAvailable, maker.UserID, taker.UserID, ledger.AssetUSD, quote); err != nil {
				return fmt.Errorf("pay taker %d: %w", taker.ID, err)
			}
		default:
			return fmt.Errorf("clear order %d: unknown direction %d", taker.ID, taker.Direction)
		}

		if maker.UnfilledQuantity().IsZero() {
			if err := c.registry.RemoveOrder(maker.ID); err != nil {
				return fmt.Errorf("remove filled maker: %w", err)
			}
		}
	}

	if taker.UnfilledQuantity().IsZero() {
		if err := c.registry.RemoveOrder(taker.ID); err != nil {
			return fmt.Errorf("remove filled taker: %w", err)
		}
	}
	return nil
}

// clearCancelOrder releases what the order still holds frozen.
func (c *clearing) clearCancelOrder(o *order.Order) error {
	asset, amount := order.ReservedAsset(o.Direction, o.Price, o.UnfilledQuantity())
	if err := c.ledger.Unfreeze(o.UserID, asset, amount); err != nil {
		return fmt.Errorf("release order %d: %w", o.ID, err)
	}
	if err := c.registry.RemoveOrder(o.ID); err != nil {
		return fmt.Errorf("remove cancelled order: %w", err)
	}
	return nil
}
