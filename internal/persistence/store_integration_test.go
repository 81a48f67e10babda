package persistence_test

import (
	"SpotEngine/internal/core"
	"SpotEngine/internal/event"
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/order"
	"SpotEngine/internal/persistence"
	"SpotEngine/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func header(seq int64) event.Header {
	return event.Header{SequenceID: seq, PreviousID: seq - 1, CreatedAt: base.Add(time.Duration(seq) * time.Second)}
}

func TestEventStore_AppendAndLoad(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := persistence.NewEventStore(db, 2)
	events := []event.Event{
		&event.Transfer{Header: header(1), FromUserID: ledger.DebtUserID, ToUserID: 10, Asset: ledger.AssetUSD, Amount: decimal.NewFromInt(500)},
		&event.OrderRequest{Header: header(2), UserID: 10, Direction: order.Buy, Price: decimal.RequireFromString("99.5"), Quantity: decimal.NewFromInt(1)},
		&event.OrderCancel{Header: header(3), UserID: 10, OrderID: 2},
	}
	require.NoError(t, store.AppendEvents(ctx, events...))
	// Appending again is a no-op.
	require.NoError(t, store.AppendEvents(ctx, events[0]))

	last, err := store.LastSequenceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	page, err := store.LoadEventsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	req, ok := page[1].(*event.OrderRequest)
	require.True(t, ok)
	assert.True(t, req.Price.Equal(decimal.RequireFromString("99.5")))
	assert.True(t, req.CreatedAt.Equal(header(2).CreatedAt))

	page, err = store.LoadEventsSince(ctx, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, event.EventTypeOrderCancel, page[0].EventType())

	page, err = store.LoadEventsSince(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestPersistenceWorker_WritesSequencerOutput(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 16)
	seq := core.NewSequencer(core.Options{PersistChan: persist, Logger: zerolog.Nop()})
	events := []event.Event{
		&event.Transfer{Header: header(1), FromUserID: ledger.DebtUserID, ToUserID: 10, Asset: ledger.AssetUSD, Amount: decimal.NewFromInt(500)},
		&event.Transfer{Header: header(2), FromUserID: ledger.DebtUserID, ToUserID: 20, Asset: ledger.AssetBTC, Amount: decimal.NewFromInt(1)},
		&event.OrderRequest{Header: header(3), UserID: 20, Direction: order.Sell, Price: decimal.NewFromInt(400), Quantity: decimal.NewFromInt(1)},
		&event.OrderRequest{Header: header(4), UserID: 10, Direction: order.Buy, Price: decimal.NewFromInt(450), Quantity: decimal.NewFromInt(1)},
	}
	for _, e := range events {
		require.NoError(t, seq.ProcessEvent(ctx, e))
	}
	close(persist)

	worker := persistence.NewPersistenceWorker(db, persist, 3, 50*time.Millisecond,
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	var applied, fills, journals int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM engine.applied_events`).Scan(&applied))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM engine.fills`).Scan(&fills))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM engine.journal`).Scan(&journals))
	assert.Equal(t, 4, applied)
	assert.Equal(t, 1, fills)
	// 2 deposits, 2 freezes, refund, 2 settlement legs
	assert.Equal(t, 7, journals)

	var price decimal.Decimal
	require.NoError(t, db.QueryRow(`SELECT price FROM engine.fills WHERE sequence_id = 4`).Scan(&price))
	assert.True(t, price.Equal(decimal.NewFromInt(400)))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM engine.orders WHERE order_id = 3`).Scan(&status))
	assert.Equal(t, order.StatusFullyFilled.String(), status)

	// The event log now holds the applied events and can drive a replay.
	replayed := core.NewSequencer(core.Options{Loader: persistence.NewEventStore(db, 0), Logger: zerolog.Nop()})
	n, err := replayed.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, seq.StateHash(), replayed.StateHash())
}
