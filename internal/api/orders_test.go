package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnq-momentum-trader/internal/api/apitest"
	"mnq-momentum-trader/internal/model"
)

func acquired(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, goodCreds)
	require.NoError(t, f.session.Acquire(context.Background()))
	return f
}

func TestPlaceOrderBodies(t *testing.T) {
	f := acquired(t)
	ctx := context.Background()

	entryID, err := f.orders.PlaceOrder(ctx, OrderRequest{Symbol: "MNQH6", Side: model.SideBuy, Qty: 2, Type: model.OrderMarket})
	require.NoError(t, err)
	stopID, err := f.orders.PlaceOrder(ctx, OrderRequest{Symbol: "MNQH6", Side: model.SideSell, Qty: 2, Type: model.OrderStop, StopPrice: 20505, TimeInForce: model.TIFGTC})
	require.NoError(t, err)
	_, err = f.orders.PlaceOrder(ctx, OrderRequest{Symbol: "MNQH6", Side: model.SideSell, Qty: 2, Type: model.OrderLimit, Price: 20585})
	require.NoError(t, err)
	assert.NotEqual(t, entryID, stopID)

	placed := f.broker.Placed()
	require.Len(t, placed, 3)

	entry := placed[0]
	assert.Equal(t, "trader", entry.AccountSpec)
	assert.Equal(t, int64(4242), entry.AccountID)
	assert.Equal(t, "Buy", entry.Action)
	assert.Equal(t, "Market", entry.OrderType)
	assert.Equal(t, 2, entry.OrderQty)
	assert.True(t, entry.IsAutomated)
	assert.Equal(t, "Day", entry.TimeInForce)
	assert.Nil(t, entry.Price)
	assert.Nil(t, entry.StopPrice)

	stop := placed[1]
	assert.Equal(t, "Sell", stop.Action)
	assert.Equal(t, "GTC", stop.TimeInForce)
	require.NotNil(t, stop.StopPrice)
	assert.Equal(t, 20505.0, *stop.StopPrice)
	assert.Nil(t, stop.Price)

	target := placed[2]
	require.NotNil(t, target.Price)
	assert.Equal(t, 20585.0, *target.Price)
	assert.Nil(t, target.StopPrice)
}

func TestPlaceOrderRejected(t *testing.T) {
	f := acquired(t)
	f.broker.RejectOrderType("Stop", "Stop price is on the wrong side of the market")

	_, err := f.orders.PlaceOrder(context.Background(), OrderRequest{Symbol: "MNQH6", Side: model.SideSell, Qty: 1, Type: model.OrderStop, StopPrice: 1})
	var rej *model.OrderRejection
	require.True(t, errors.As(err, &rej))
	assert.Contains(t, rej.Body, "wrong side")
	// placement is single attempt
	assert.Len(t, f.broker.Placed(), 1)
}

func TestCancelOrder(t *testing.T) {
	f := acquired(t)
	f.broker.AddOrder(5, "Working")
	f.broker.AddOrder(6, "Working")
	f.broker.RefuseCancel(6)

	require.NoError(t, f.orders.CancelOrder(context.Background(), 5))

	err := f.orders.CancelOrder(context.Background(), 6)
	var rej *model.OrderRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, []int64{5, 6}, f.broker.Cancels())
}

func TestModifyOrder(t *testing.T) {
	f := acquired(t)
	require.NoError(t, f.orders.ModifyOrder(context.Background(), 5, 20600, 0))

	mods := f.broker.Modifies()
	require.Len(t, mods, 1)
	assert.Equal(t, 5.0, mods[0]["orderId"])
	assert.Equal(t, 20600.0, mods[0]["price"])
	assert.NotContains(t, mods[0], "orderQty")
}

func TestListOrdersParsesStatuses(t *testing.T) {
	f := acquired(t)
	f.broker.AddOrder(1, "Working")
	f.broker.AddOrder(2, "Canceled")
	f.broker.AddOrder(3, "Filled")
	f.broker.AddOrder(4, "SomethingNew")

	orders, err := f.orders.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, model.StatusWorking, orders[0].Status)
	assert.Equal(t, model.StatusCancelled, orders[1].Status)
	assert.Equal(t, model.StatusFilled, orders[2].Status)
	assert.Equal(t, model.SideBuy, orders[0].Side)
}

func TestListOrdersKeepsSessionAccountOnly(t *testing.T) {
	f := acquired(t)
	f.broker.AddAccountOrder(1, apitest.AccountID, "Working")
	f.broker.AddAccountOrder(2, 999, "Working")
	f.broker.AddAccountOrder(3, apitest.AccountID, "Working")

	orders, err := f.orders.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(1), orders[0].ID)
	assert.Equal(t, int64(3), orders[1].ID)
}

func TestListOrdersRetriesTransientFailures(t *testing.T) {
	f := acquired(t)
	f.broker.AddOrder(1, "Working")
	f.broker.FailLists(2)

	orders, err := f.orders.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, 3, f.broker.ListCalls())
}

func TestListOrdersGivesUpAfterRetries(t *testing.T) {
	f := acquired(t)
	f.broker.FailLists(10)

	_, err := f.orders.ListOrders(context.Background())
	var rej *model.OrderRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusServiceUnavailable, rej.Status)
	assert.Equal(t, 4, f.broker.ListCalls())
}

func TestNetworkErrorOnDeadBroker(t *testing.T) {
	f := acquired(t)
	f.broker.Close()

	_, err := f.orders.PlaceOrder(context.Background(), OrderRequest{Symbol: "MNQH6", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	var netErr *model.NetworkError
	assert.True(t, errors.As(err, &netErr))
}
