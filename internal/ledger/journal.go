package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TransferType says which balance columns a transfer moves between.
type TransferType uint8

const (
	TransferUnknown TransferType = iota
	AvailableToAvailable
	AvailableToFrozen
	FrozenToAvailable
)

func (t TransferType) String() string {
	switch t {
	case AvailableToAvailable:
		return "AVAILABLE_TO_AVAILABLE"
	case AvailableToFrozen:
		return "AVAILABLE_TO_FROZEN"
	case FrozenToAvailable:
		return "FROZEN_TO_AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Journal records one applied transfer. Entries are collected in the order
// they were applied and handed to the caller through Ledger.TakeJournal.
type Journal struct {
	Type     TransferType
	FromUser int64
	ToUser   int64
	Asset    Asset
	Amount   decimal.Decimal
}

// Validate checks that the entry describes a transfer the ledger could have applied.
func (j Journal) Validate() error {
	if j.Amount.IsNegative() {
		return fmt.Errorf("journal %s %d->%d has negative amount %s", j.Type, j.FromUser, j.ToUser, j.Amount)
	}
	if _, ok := assetToName[j.Asset]; !ok {
		return fmt.Errorf("journal %s %d->%d has unknown asset %d", j.Type, j.FromUser, j.ToUser, j.Asset)
	}
	switch j.Type {
	case AvailableToAvailable, FrozenToAvailable:
	case AvailableToFrozen:
		if j.FromUser != j.ToUser {
			return fmt.Errorf("freeze journal moves between users %d and %d", j.FromUser, j.ToUser)
		}
	default:
		return fmt.Errorf("journal has unknown transfer type %d", j.Type)
	}
	return nil
}
