package query

import (
	"SpotEngine/internal/ledger"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceResponse is one (user, asset) balance.
type BalanceResponse struct {
	UserID    int64           `json:"user_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Total     decimal.Decimal `json:"total"` // available + frozen

	AsOfSequence int64 `json:"as_of_sequence"`
}

// BalancesResponse holds every asset the user has ever held.
type BalancesResponse struct {
	UserID       int64             `json:"user_id"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

func newBalanceResponse(userID int64, asset ledger.Asset, b ledger.Balance, asOf int64) BalanceResponse {
	return BalanceResponse{
		UserID:       userID,
		Asset:        asset.String(),
		Available:    b.Available,
		Frozen:       b.Frozen,
		Total:        b.Total(),
		AsOfSequence: asOf,
	}
}

// GetBalance returns a user's balance for one asset. A user or asset the
// ledger has never seen reads as zero.
func (qs *QueryService) GetBalance(ctx context.Context, userID int64, assetName string) (resp *BalanceResponse, err error) {
	defer qs.observe("GetBalance", time.Now(), &err)

	asset, ok := ledger.ParseAsset(assetName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidArgument, assetName)
	}
	asOf := qs.state.LastSequenceID()
	b := newBalanceResponse(userID, asset, qs.state.GetBalance(userID, asset), asOf)
	return &b, nil
}

// GetBalances returns all of a user's balances in asset order.
func (qs *QueryService) GetBalances(ctx context.Context, userID int64) (resp *BalancesResponse, err error) {
	defer qs.observe("GetBalances", time.Now(), &err)

	asOf := qs.state.LastSequenceID()
	held := qs.state.GetBalances(userID)
	resp = &BalancesResponse{UserID: userID, Balances: []BalanceResponse{}, AsOfSequence: asOf}
	for _, asset := range ledger.Assets() {
		if b, ok := held[asset]; ok {
			resp.Balances = append(resp.Balances, newBalanceResponse(userID, asset, b, asOf))
		}
	}
	return resp, nil
}
