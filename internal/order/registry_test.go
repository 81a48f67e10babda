package order_test

import (
	"SpotEngine/internal/ledger"
	"SpotEngine/internal/order"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFundedRegistry(t *testing.T) (*order.Registry, *ledger.Ledger) {
	t.Helper()
	l := ledger.NewLedger()
	for _, u := range []int64{100, 200} {
		for asset, amt := range map[ledger.Asset]string{ledger.AssetUSD: "10000", ledger.AssetBTC: "10"} {
			ok, err := l.TryTransfer(ledger.AvailableToAvailable, ledger.DebtUserID, u, asset, dec(amt), false)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	return order.NewRegistry(l), l
}

func TestCreateOrder_BuyFreezesQuote(t *testing.T) {
	r, l := newFundedRegistry(t)

	o, ok, err := r.CreateOrder(7, ts, 7, 100, order.Buy, dec("2500.5"), dec("2"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(7), o.ID)
	assert.Equal(t, int64(7), o.SequenceID)
	assert.True(t, o.UnfilledQuantity().Equal(dec("2")))
	assert.Equal(t, order.StatusNone, o.Status())
	assert.Equal(t, ts, o.CreatedAt)
	assert.Equal(t, ts, o.UpdatedAt())

	usd := l.GetBalance(100, ledger.AssetUSD)
	assert.True(t, usd.Available.Equal(dec("4999")), "available %s", usd.Available)
	assert.True(t, usd.Frozen.Equal(dec("5001")), "frozen %s", usd.Frozen)
}

func TestCreateOrder_SellFreezesBase(t *testing.T) {
	r, l := newFundedRegistry(t)

	_, ok, err := r.CreateOrder(1, ts, 1, 200, order.Sell, dec("30000"), dec("1.25"))
	require.NoError(t, err)
	require.True(t, ok)

	btc := l.GetBalance(200, ledger.AssetBTC)
	assert.True(t, btc.Available.Equal(dec("8.75")))
	assert.True(t, btc.Frozen.Equal(dec("1.25")))
}

func TestCreateOrder_InsufficientFundsIsNotAnError(t *testing.T) {
	r, l := newFundedRegistry(t)

	o, ok, err := r.CreateOrder(1, ts, 1, 200, order.Sell, dec("1"), dec("11"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, o)

	_, found := r.GetOrder(1)
	assert.False(t, found)
	assert.Empty(t, r.GetUserOrders(200))
	assert.True(t, l.GetBalance(200, ledger.AssetBTC).Frozen.IsZero())
}

func TestCreateOrder_RejectsMalformedInput(t *testing.T) {
	r, _ := newFundedRegistry(t)

	_, _, err := r.CreateOrder(1, ts, 1, 100, order.DirectionUnknown, dec("1"), dec("1"))
	assert.ErrorIs(t, err, order.ErrInvalidOrder)

	_, _, err = r.CreateOrder(1, ts, 1, 100, order.Buy, dec("0"), dec("1"))
	assert.ErrorIs(t, err, order.ErrInvalidOrder)

	_, _, err = r.CreateOrder(1, ts, 1, 100, order.Buy, dec("1"), dec("-1"))
	assert.ErrorIs(t, err, order.ErrInvalidOrder)
}

func TestCreateOrder_DuplicateID(t *testing.T) {
	r, _ := newFundedRegistry(t)

	_, ok, err := r.CreateOrder(1, ts, 1, 100, order.Buy, dec("1"), dec("1"))
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = r.CreateOrder(2, ts, 1, 100, order.Buy, dec("1"), dec("1"))
	assert.ErrorIs(t, err, order.ErrDuplicateOrder)
}

func TestRemoveOrder(t *testing.T) {
	r, _ := newFundedRegistry(t)

	for id := int64(1); id <= 3; id++ {
		_, ok, err := r.CreateOrder(id, ts, id, 100, order.Buy, dec("10"), dec("1"))
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, r.RemoveOrder(2))
	_, found := r.GetOrder(2)
	assert.False(t, found)

	ids := []int64{}
	for _, o := range r.GetUserOrders(100) {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{1, 3}, ids)
	assert.Equal(t, 2, r.Len())

	assert.ErrorIs(t, r.RemoveOrder(2), order.ErrOrderNotFound)
	assert.ErrorIs(t, r.RemoveOrder(99), order.ErrOrderNotFound)
}

func TestGetUserOrders_UnknownUserIsEmpty(t *testing.T) {
	r, _ := newFundedRegistry(t)
	orders := r.GetUserOrders(12345)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)
}

func TestOrderUpdate_IncrementsVersionOnce(t *testing.T) {
	o := order.New(1, 1, 100, order.Buy, dec("10"), dec("3"), ts)
	assert.Equal(t, int64(0), o.Version())

	later := ts.Add(time.Second)
	o.Update(dec("1"), order.StatusPartialFilled, later)
	assert.Equal(t, int64(1), o.Version())
	assert.Equal(t, later, o.UpdatedAt())
	assert.True(t, o.FilledQuantity().Equal(dec("2")))

	o.Update(decimal.Zero, order.StatusFullyFilled, later)
	assert.Equal(t, int64(2), o.Version())
	assert.True(t, o.Status().Final())
}

func TestSnapshot_JSON(t *testing.T) {
	o := order.New(5, 5, 100, order.Sell, dec("101.5"), dec("2"), ts)
	o.Update(dec("2"), order.StatusPending, ts)

	data, err := json.Marshal(o.Snapshot())
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "SELL", got["direction"])
	assert.Equal(t, "PENDING", got["status"])
	assert.Equal(t, "101.5", got["price"])
	assert.Equal(t, float64(1), got["version"])
}

func TestDirection_Text(t *testing.T) {
	var d order.Direction
	require.NoError(t, d.UnmarshalText([]byte("buy")))
	assert.Equal(t, order.Buy, d)
	assert.Equal(t, order.Sell, d.Opposite())
	assert.Error(t, d.UnmarshalText([]byte("HOLD")))
}
