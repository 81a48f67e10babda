package query

import (
	"SpotEngine/internal/match"
	"SpotEngine/internal/order"
	"time"

	"github.com/shopspring/decimal"
)

// OrderResponse is one order as of a sequence id.
type OrderResponse struct {
	order.Snapshot
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// OrdersResponse lists a user's active orders, oldest first.
type OrdersResponse struct {
	UserID       int64            `json:"user_id"`
	Orders       []order.Snapshot `json:"orders"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// DepthResponse is the aggregated book.
type DepthResponse struct {
	Bids         []match.PriceLevel `json:"bids"`
	Asks         []match.PriceLevel `json:"asks"`
	MarketPrice  decimal.Decimal    `json:"market_price"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// FillHistoryEntry is a persisted fill seen from one user's side.
type FillHistoryEntry struct {
	SequenceID int64           `json:"sequence_id"`
	FillIndex  int             `json:"fill_index"`
	OrderID    int64           `json:"order_id"`
	Role       string          `json:"role"` // taker or maker
	Direction  order.Direction `json:"direction"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	CreatedAt  time.Time       `json:"created_at"`
}

// JournalHistoryEntry is a persisted ledger transfer touching a user.
type JournalHistoryEntry struct {
	JournalID    string          `json:"journal_id"`
	SequenceID   int64           `json:"sequence_id"`
	JournalIndex int             `json:"journal_index"`
	TransferType string          `json:"transfer_type"`
	FromUserID   int64           `json:"from_user_id"`
	ToUserID     int64           `json:"to_user_id"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	StateHash        string            `json:"state_hash"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose balances across all users, debt
// account included, do not sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
