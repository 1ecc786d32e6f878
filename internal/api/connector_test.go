package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mnq-momentum-trader/internal/api/apitest"
	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
)

const waitFor = 2 * time.Second

func newConnector(t *testing.T, f *fixture, reconnect bool, maxAttempts int, m *metrics.Metrics) *Connector {
	t.Helper()
	c := NewConnector(ConnectorConfig{
		URL:            f.broker.WSURL(),
		Reconnect:      reconnect,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		MaxAttempts:    maxAttempts,
	}, f.session, zaptest.NewLogger(t), m)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func connected(t *testing.T, c *Connector, b *apitest.Broker) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())
	require.Eventually(t, func() bool { return b.ActiveStreams() == 1 }, waitFor, time.Millisecond)
}

func framesWithURL(b *apitest.Broker, url string) int {
	n := 0
	for _, f := range b.Frames() {
		if f.URL == url {
			n++
		}
	}
	return n
}

func TestConnectorSubscribesAndDispatchesQuotes(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, false, 0, nil)

	quotes := make(chan model.Quote, 8)
	c.OnQuote(QuoteListenerFunc(func(q model.Quote) error {
		quotes <- q
		return nil
	}))
	connected(t, c, f.broker)

	require.NoError(t, c.SubscribeQuote("MNQH6"))
	require.NoError(t, c.SubscribePosition(apitest.AccountID))
	require.Eventually(t, func() bool { return len(f.broker.Frames()) == 2 }, waitFor, time.Millisecond)

	frames := f.broker.Frames()
	assert.Equal(t, "md/subscribeQuote", frames[0].URL)
	assert.JSONEq(t, `{"symbol":"MNQH6"}`, string(frames[0].Body))
	assert.Equal(t, "user/syncRequest", frames[1].URL)
	assert.JSONEq(t, `{"accounts":[4242]}`, string(frames[1].Body))

	f.broker.PushQuote(7, 20500.25, 1200)
	select {
	case q := <-quotes:
		assert.Equal(t, int64(7), q.ContractID)
		assert.Equal(t, 20500.25, q.Last)
		assert.Equal(t, 20500.0, q.Bid)
		assert.Equal(t, 20500.5, q.Ask)
		assert.Equal(t, 1200.0, q.Volume)
		assert.False(t, q.Timestamp.IsZero())
	case <-time.After(waitFor):
		t.Fatal("quote not dispatched")
	}

	last, ok := c.LastQuote(7)
	require.True(t, ok)
	assert.Equal(t, 20500.25, last.Last)
}

func TestConnectorListenerIsolationAndOrder(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, false, 0, nil)

	got := make(chan float64, 8)
	c.OnQuote(QuoteListenerFunc(func(model.Quote) error { return errors.New("boom") }))
	c.OnQuote(QuoteListenerFunc(func(model.Quote) error { panic("listener bug") }))
	c.OnQuote(QuoteListenerFunc(func(q model.Quote) error {
		got <- q.Last
		return nil
	}))
	connected(t, c, f.broker)

	f.broker.PushQuote(7, 100, 1)
	f.broker.PushRaw("not json")
	f.broker.PushRaw(`{"s":200}`)
	f.broker.PushQuote(7, 101, 2)
	f.broker.PushQuote(7, 102, 3)

	for _, want := range []float64{100, 101, 102} {
		select {
		case last := <-got:
			assert.Equal(t, want, last)
		case <-time.After(waitFor):
			t.Fatalf("missing quote %v", want)
		}
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectorFiltersPositionsByAccount(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, false, 0, nil)

	positions := make(chan model.Position, 4)
	c.OnPosition(PositionListenerFunc(func(p model.Position) error {
		positions <- p
		return nil
	}))
	connected(t, c, f.broker)
	require.NoError(t, c.SubscribePosition(apitest.AccountID))

	f.broker.PushPosition(9999, 7, 3, 20000, 10)
	f.broker.PushPosition(apitest.AccountID, 7, 1, 20500, -25)

	select {
	case p := <-positions:
		assert.Equal(t, apitest.AccountID, p.AccountID)
		assert.Equal(t, 1, p.NetPos)
		assert.Equal(t, -25.0, p.Unrealized)
	case <-time.After(waitFor):
		t.Fatal("position not dispatched")
	}
	assert.Empty(t, positions)

	p, ok := c.Position(7)
	require.True(t, ok)
	assert.Equal(t, 20500.0, p.NetPrice)
}

func TestConnectorDispatchesOrderUpdates(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, false, 0, nil)

	updates := make(chan model.OrderUpdate, 4)
	c.OnOrder(OrderListenerFunc(func(u model.OrderUpdate) error {
		updates <- u
		return nil
	}))
	connected(t, c, f.broker)

	f.broker.PushOrderStatus(1001, "Mystery")
	f.broker.PushOrderStatus(1001, "Filled")

	select {
	case u := <-updates:
		assert.Equal(t, int64(1001), u.OrderID)
		assert.Equal(t, model.StatusFilled, u.Status)
	case <-time.After(waitFor):
		t.Fatal("order update not dispatched")
	}
	assert.Empty(t, updates)
}

func TestConnectorStreamAuthRefused(t *testing.T) {
	f := acquired(t)
	f.broker.SetStreamStatus(http.StatusUnauthorized)
	c := newConnector(t, f, true, 0, nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, model.ErrAuth)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectorRequiresToken(t *testing.T) {
	f := newFixture(t, goodCreds)
	c := newConnector(t, f, false, 0, nil)
	assert.ErrorIs(t, c.Connect(context.Background()), model.ErrNotAuthenticated)
}

func TestConnectorClosesWithoutReconnect(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, false, 0, nil)
	connected(t, c, f.broker)

	f.broker.DropStreams()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("Done not closed")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, f.broker.Streams())
}

func TestConnectorReconnectReplaysSubscriptions(t *testing.T) {
	f := acquired(t)
	reg := prometheus.NewRegistry()
	c := newConnector(t, f, true, 0, metrics.New(reg))

	quotes := make(chan float64, 4)
	c.OnQuote(QuoteListenerFunc(func(q model.Quote) error {
		quotes <- q.Last
		return nil
	}))
	connected(t, c, f.broker)
	require.NoError(t, c.SubscribeQuote("MNQH6"))
	require.NoError(t, c.SubscribePosition(apitest.AccountID))
	require.Eventually(t, func() bool { return len(f.broker.Frames()) == 2 }, waitFor, time.Millisecond)

	f.broker.DropStreams()

	require.Eventually(t, func() bool {
		return f.broker.Streams() == 2 && f.broker.ActiveStreams() == 1 &&
			framesWithURL(f.broker, "md/subscribeQuote") == 2 &&
			framesWithURL(f.broker, "user/syncRequest") == 2 &&
			c.State() == StateConnected
	}, waitFor, time.Millisecond)

	f.broker.PushQuote(7, 20600, 10)
	select {
	case last := <-quotes:
		assert.Equal(t, 20600.0, last)
	case <-time.After(waitFor):
		t.Fatal("no quote after reconnect")
	}

	expected := `
# HELP trader_stream_reconnects_total Market data stream reconnects
# TYPE trader_stream_reconnects_total counter
trader_stream_reconnects_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "trader_stream_reconnects_total"))
}

func TestConnectorGivesUpAfterMaxAttempts(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, true, 2, nil)
	connected(t, c, f.broker)

	f.broker.SetStreamStatus(http.StatusUnauthorized)
	f.broker.DropStreams()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("Done not closed after exhausting reconnects")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, f.broker.Streams())
}

func TestConnectorDisconnectIsIdempotent(t *testing.T) {
	f := acquired(t)
	c := newConnector(t, f, true, 0, nil)
	connected(t, c, f.broker)

	require.NoError(t, c.Disconnect())
	assert.NotPanics(t, func() { _ = c.Disconnect() })
	assert.Equal(t, StateClosed, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}
	assert.ErrorIs(t, c.SubscribeQuote("MNQH6"), model.ErrNotConnected)
	// no reconnect after a deliberate close
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.broker.Streams())
}
