package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount      = errors.New("ledger: negative amount")
	ErrInvalidTransferType = errors.New("ledger: invalid transfer type")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrUnknownAsset        = errors.New("ledger: unknown asset")
)

// DebtUserID is the system account that funds deposits. Transfers out of it
// skip the balance check, so it is the one account allowed to go negative.
const DebtUserID int64 = 1

// Balance is the pair of columns held per (user, asset).
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// Total returns available + frozen.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// Ledger maintains in-memory balances for every user and asset.
//
// Mutations come from the single sequencer goroutine; readers may call the
// Get* methods at any time and always observe whole Balance values.
type Ledger struct {
	mu       sync.RWMutex
	balances map[int64]map[Asset]*Balance
	journal  []Journal
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[int64]map[Asset]*Balance),
	}
}

// GetBalance returns a copy of the user's balance. Untouched pairs read as zero
// and are not materialised.
func (l *Ledger) GetBalance(userID int64, asset Asset) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[userID][asset]; ok {
		return *b
	}
	return Balance{}
}

// GetBalances returns a copy of every balance the user holds.
func (l *Ledger) GetBalances(userID int64) map[Asset]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	assets := l.balances[userID]
	out := make(map[Asset]Balance, len(assets))
	for a, b := range assets {
		out[a] = *b
	}
	return out
}

// TryTransfer moves amount between the columns selected by kind. It returns
// false without touching balances when checkBalance is set and the source
// column is short. A negative amount is a caller bug and returns ErrNegativeAmount.
func (l *Ledger) TryTransfer(kind TransferType, fromUser, toUser int64, asset Asset, amount decimal.Decimal, checkBalance bool) (bool, error) {
	if amount.IsNegative() {
		return false, fmt.Errorf("%w: %s %s %d->%d", ErrNegativeAmount, amount, asset, fromUser, toUser)
	}
	if _, ok := assetToName[asset]; !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownAsset, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.materialize(fromUser, asset)
	to := l.materialize(toUser, asset)

	switch kind {
	case AvailableToAvailable:
		if checkBalance && from.Available.LessThan(amount) {
			return false, nil
		}
		from.Available = from.Available.Sub(amount)
		to.Available = to.Available.Add(amount)
	case AvailableToFrozen:
		if checkBalance && from.Available.LessThan(amount) {
			return false, nil
		}
		from.Available = from.Available.Sub(amount)
		to.Frozen = to.Frozen.Add(amount)
	case FrozenToAvailable:
		if checkBalance && from.Frozen.LessThan(amount) {
			return false, nil
		}
		from.Frozen = from.Frozen.Sub(amount)
		to.Available = to.Available.Add(amount)
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidTransferType, kind)
	}

	if amount.IsPositive() {
		l.journal = append(l.journal, Journal{
			Type:     kind,
			FromUser: fromUser,
			ToUser:   toUser,
			Asset:    asset,
			Amount:   amount,
		})
	}
	return true, nil
}

// Transfer is TryTransfer with the balance check on, for callers where a
// shortfall means the books are already wrong.
func (l *Ledger) Transfer(kind TransferType, fromUser, toUser int64, asset Asset, amount decimal.Decimal) error {
	ok, err := l.TryTransfer(kind, fromUser, toUser, asset, amount, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s %s %d->%d", ErrInsufficientFunds, kind, amount, asset, fromUser, toUser)
	}
	return nil
}

// TryFreeze reserves amount of the user's available balance.
func (l *Ledger) TryFreeze(userID int64, asset Asset, amount decimal.Decimal) (bool, error) {
	return l.TryTransfer(AvailableToFrozen, userID, userID, asset, amount, true)
}

// Unfreeze releases amount of the user's frozen balance back to available.
func (l *Ledger) Unfreeze(userID int64, asset Asset, amount decimal.Decimal) error {
	ok, err := l.TryTransfer(FrozenToAvailable, userID, userID, asset, amount, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unfreeze %s %s for user %d", ErrInsufficientFunds, amount, asset, userID)
	}
	return nil
}

// TakeJournal returns the entries recorded since the previous call and resets the buffer.
func (l *Ledger) TakeJournal() []Journal {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.journal
	l.journal = nil
	return out
}

// DiscardJournal drops buffered entries without returning them.
func (l *Ledger) DiscardJournal() {
	l.mu.Lock()
	l.journal = nil
	l.mu.Unlock()
}

// UserIDs returns every user holding at least one balance, ascending.
func (l *Ledger) UserIDs() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]int64, 0, len(l.balances))
	for id := range l.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a deep copy of all balances.
func (l *Ledger) Snapshot() map[int64]map[Asset]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[int64]map[Asset]Balance, len(l.balances))
	for user, assets := range l.balances {
		cp := make(map[Asset]Balance, len(assets))
		for a, b := range assets {
			cp[a] = *b
		}
		out[user] = cp
	}
	return out
}

// ValidateNonNegative checks available >= 0 and frozen >= 0 for every account
// except DebtUserID.
func (l *Ledger) ValidateNonNegative() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for user, assets := range l.balances {
		if user == DebtUserID {
			continue
		}
		for a, b := range assets {
			if b.Available.IsNegative() {
				return fmt.Errorf("user %d has negative available %s: %s", user, a, b.Available)
			}
			if b.Frozen.IsNegative() {
				return fmt.Errorf("user %d has negative frozen %s: %s", user, a, b.Frozen)
			}
		}
	}
	return nil
}

// TotalByAsset sums available + frozen across all users, debt account included.
// Transfers conserve it, so it stays zero when every deposit came from DebtUserID.
func (l *Ledger) TotalByAsset() map[Asset]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totals := make(map[Asset]decimal.Decimal)
	for _, assets := range l.balances {
		for a, b := range assets {
			totals[a] = totals[a].Add(b.Total())
		}
	}
	return totals
}

func (l *Ledger) materialize(userID int64, asset Asset) *Balance {
	assets, ok := l.balances[userID]
	if !ok {
		assets = make(map[Asset]*Balance, 2)
		l.balances[userID] = assets
	}
	b, ok := assets[asset]
	if !ok {
		b = &Balance{Available: decimal.Zero, Frozen: decimal.Zero}
		assets[asset] = b
	}
	return b
}
