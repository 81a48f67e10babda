package query

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/match"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/order"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrHistoryUnavailable is returned by history queries when no database is configured.
	ErrHistoryUnavailable = errors.New("history store not configured")
)

const (
	DefaultDepthLevels = 10
	MaxDepthLevels     = 100
	DefaultPageSize    = 100
	MaxPageSize        = 1000
)

// StateReader is the read side of the sequencer. Every method returns
// copies and is safe to call while events are being applied.
type StateReader interface {
	LastSequenceID() int64
	StateHash() [32]byte
	GetBalance(userID int64, asset ledger.Asset) ledger.Balance
	GetBalances(userID int64) map[ledger.Asset]ledger.Balance
	GetOrder(orderID int64) (order.Snapshot, bool)
	GetUserOrders(userID int64) []order.Snapshot
	Depth(maxLevels int) match.Depth
	TotalByAsset() map[ledger.Asset]decimal.Decimal
}

// QueryService answers read requests. Balances, orders and depth come from
// live engine state; fill and journal history come from the output tables
// in Postgres. All responses include as_of_sequence, read before the data,
// so the data is at least that fresh.
type QueryService struct {
	state   StateReader
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService builds the service. db may be nil, in which case history
// queries return ErrHistoryUnavailable.
func NewQueryService(state StateReader, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: state, db: db, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, ErrNotFound):
		status = "not_found"
	case errors.Is(*err, ErrInvalidArgument):
		status = "invalid"
	default:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetOrder returns an active order. Orders leave the engine once filled or
// cancelled; those are only visible in engine.orders.
func (qs *QueryService) GetOrder(ctx context.Context, orderID int64) (resp *OrderResponse, err error) {
	defer qs.observe("GetOrder", time.Now(), &err)

	asOf := qs.state.LastSequenceID()
	snap, ok := qs.state.GetOrder(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	return &OrderResponse{
		Snapshot:       snap,
		FilledQuantity: snap.Quantity.Sub(snap.UnfilledQuantity),
		AsOfSequence:   asOf,
	}, nil
}

// GetUserOrders returns the user's active orders, oldest first.
func (qs *QueryService) GetUserOrders(ctx context.Context, userID int64) (resp *OrdersResponse, err error) {
	defer qs.observe("GetUserOrders", time.Now(), &err)

	asOf := qs.state.LastSequenceID()
	orders := qs.state.GetUserOrders(userID)
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if orders == nil {
		orders = []order.Snapshot{}
	}
	return &OrdersResponse{UserID: userID, Orders: orders, AsOfSequence: asOf}, nil
}

// GetDepth aggregates both books. levels <= 0 means DefaultDepthLevels.
func (qs *QueryService) GetDepth(ctx context.Context, levels int) (resp *DepthResponse, err error) {
	defer qs.observe("GetDepth", time.Now(), &err)

	switch {
	case levels <= 0:
		levels = DefaultDepthLevels
	case levels > MaxDepthLevels:
		return nil, fmt.Errorf("%w: levels %d exceeds %d", ErrInvalidArgument, levels, MaxDepthLevels)
	}
	asOf := qs.state.LastSequenceID()
	d := qs.state.Depth(levels)
	return &DepthResponse{
		Bids:         nonNil(d.Bids),
		Asks:         nonNil(d.Asks),
		MarketPrice:  d.MarketPrice,
		AsOfSequence: asOf,
	}, nil
}

func nonNil(levels []match.PriceLevel) []match.PriceLevel {
	if levels == nil {
		return []match.PriceLevel{}
	}
	return levels
}

func pageSize(limit int) (int, error) {
	switch {
	case limit <= 0:
		return DefaultPageSize, nil
	case limit > MaxPageSize:
		return 0, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidArgument, limit, MaxPageSize)
	}
	return limit, nil
}

// GetFills returns the user's persisted fills, newest first. A non-nil
// beforeSequence pages backwards from that sequence id.
func (qs *QueryService) GetFills(ctx context.Context, userID int64, limit int, beforeSequence *int64) (entries []FillHistoryEntry, err error) {
	defer qs.observe("GetFills", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit, err = pageSize(limit); err != nil {
		return nil, err
	}

	query := `
		SELECT sequence_id, fill_index, taker_order_id, maker_order_id,
		       taker_user_id, taker_direction, price, quantity, created_at
		FROM engine.fills
		WHERE (taker_user_id = $1 OR maker_user_id = $1)
	`
	args := []any{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence_id < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence_id DESC, fill_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	entries = []FillHistoryEntry{}
	for rows.Next() {
		var (
			e                      FillHistoryEntry
			takerOrder, makerOrder int64
			takerUser              int64
			takerDir               string
		)
		if err := rows.Scan(&e.SequenceID, &e.FillIndex, &takerOrder, &makerOrder,
			&takerUser, &takerDir, &e.Price, &e.Quantity, &e.CreatedAt); err != nil {
			return nil, err
		}
		var dir order.Direction
		if err := dir.UnmarshalText([]byte(takerDir)); err != nil {
			return nil, err
		}
		// A self-trade shows up once, from the taker side.
		if takerUser == userID {
			e.Role, e.OrderID, e.Direction = "taker", takerOrder, dir
		} else {
			e.Role, e.OrderID, e.Direction = "maker", makerOrder, dir.Opposite()
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetJournalHistory returns persisted ledger transfers from or to the user,
// newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID int64, limit int, beforeSequence *int64) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit, err = pageSize(limit); err != nil {
		return nil, err
	}

	query := `
		SELECT journal_id, sequence_id, journal_index, transfer_type,
		       from_user_id, to_user_id, asset, amount
		FROM engine.journal
		WHERE (from_user_id = $1 OR to_user_id = $1)
	`
	args := []any{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence_id < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence_id DESC, journal_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries = []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(&e.JournalID, &e.SequenceID, &e.JournalIndex, &e.TransferType,
			&e.FromUserID, &e.ToUserID, &e.Asset, &e.Amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that every asset sums to zero across the ledger
// and, when a database is configured, that the persisted hash chain links
// each applied event to its predecessor.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	hash := qs.state.StateHash()
	report = &IntegrityReport{
		AsOfSequence: qs.state.LastSequenceID(),
		StateHash:    hex.EncodeToString(hash[:]),
	}

	totals := qs.state.TotalByAsset()
	for _, asset := range ledger.Assets() {
		if t := totals[asset]; !t.IsZero() {
			report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
				Asset:     asset.String(),
				Imbalance: t,
			})
		}
	}

	if qs.db != nil {
		breaks, err := qs.hashChainBreaks(ctx)
		if err != nil {
			return nil, err
		}
		report.HashChainBreaks = breaks
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT a.sequence_id
		FROM engine.applied_events a
		JOIN engine.applied_events p ON p.sequence_id = a.previous_id
		WHERE a.prev_hash <> p.state_hash
		ORDER BY a.sequence_id
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("query hash chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}
