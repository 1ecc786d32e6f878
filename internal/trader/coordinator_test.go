package trader

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mnq-momentum-trader/internal/api"
	"mnq-momentum-trader/internal/api/apitest"
	"mnq-momentum-trader/internal/executor"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/internal/service"
)

const (
	waitFor  = 2 * time.Second
	contract = int64(7)
)

func testConfig(b *apitest.Broker, mode model.Mode) *service.Config {
	return &service.Config{
		App: service.AppConfig{Name: "test"},
		Broker: service.BrokerConfig{
			Mode:           mode,
			Environment:    "demo",
			RESTURL:        b.URL,
			WSURL:          b.WSURL(),
			Username:       apitest.Username,
			Password:       apitest.Password,
			Secret:         apitest.Secret,
			AppID:          "WolfBot",
			AppVersion:     "1.0",
			AccountSpec:    apitest.Username,
			RequestTimeout: 2 * time.Second,
			ReadRetries:    1,
			RetryBaseDelay: time.Millisecond,
		},
		Session: service.SessionConfig{RenewAfter: 75 * time.Minute, Expiry: 90 * time.Minute, CheckInterval: time.Minute},
		Stream: service.StreamConfig{
			BackoffInitial:   5 * time.Millisecond,
			BackoffMax:       20 * time.Millisecond,
			HandshakeTimeout: time.Second,
			QuoteBuffer:      64,
		},
		Strategy: service.StrategyConfig{
			Symbol:       "MNQH6",
			Interval:     time.Hour,
			Threshold:    30,
			RiskMultiple: 1,
			History:      100,
			ATRPeriod:    14,
		},
		Risk: service.RiskConfig{
			MaxDailyLoss:    -500,
			MaxPositionSize: 2,
			MaxTradesPerDay: 10,
			PositionSizePct: 0.02,
			AccountBalance:  10000,
			RPerTrade:       10,
			PointValue:      0.5,
			Timezone:        "UTC",
		},
		Execution: service.ExecutionConfig{
			TimeInForce:         model.TIFDay,
			PaperLog:            "paper_trades.log",
			TickSize:            0.25,
			FlattenTimeout:      time.Second,
			CancelConcurrency:   2,
			FlattenOnLegFailure: true,
		},
	}
}

type run struct {
	broker *apitest.Broker
	fs     afero.Fs
	coord  *Coordinator
	ticks  chan time.Time
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, mode model.Mode, tweak func(*service.Config)) *run {
	t.Helper()
	r := &run{broker: apitest.New(t), fs: afero.NewMemMapFs(), ticks: make(chan time.Time), done: make(chan error, 1)}
	cfg := testConfig(r.broker, mode)
	if tweak != nil {
		tweak(cfg)
	}
	r.coord = New(cfg, r.fs, zaptest.NewLogger(t), nil)
	r.coord.ticks = r.ticks

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	t.Cleanup(cancel)
	require.NoError(t, r.coord.Start(ctx))
	go func() { r.done <- r.coord.Wait() }()

	require.Eventually(t, func() bool {
		return r.broker.ActiveStreams() == 1 && len(r.broker.Frames()) == 2
	}, waitFor, time.Millisecond)
	return r
}

// candle pushes quotes and closes the interval once they are all in the open candle.
func (r *run) candle(t *testing.T, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		r.broker.PushQuote(contract, p, float64(100+i))
	}
	last := prices[len(prices)-1]
	require.Eventually(t, func() bool {
		c, ok := r.coord.aggregator.Current()
		return ok && c.Close == last && c.Volume == float64(100+len(prices)-1)
	}, waitFor, time.Millisecond)
	r.ticks <- time.Now()
}

func TestCoordinatorPaperRoundTrip(t *testing.T) {
	r := start(t, model.ModePaper, nil)

	frames := r.broker.Frames()
	assert.Equal(t, "md/subscribeQuote", frames[0].URL)
	assert.Equal(t, "user/syncRequest", frames[1].URL)

	r.candle(t, 20500, 20510)
	require.Eventually(t, func() bool { return len(r.coord.detector.History()) == 1 }, waitFor, time.Millisecond)

	// +35 points with the low at 20505: Buy, 40 points of risk, target at 1R
	r.candle(t, 20512, 20505, 20545)
	var trades []model.PaperTrade
	require.Eventually(t, func() bool {
		var err error
		trades, err = executor.ReadJournal(r.fs, "paper_trades.log")
		return err == nil && len(trades) == 1
	}, waitFor, 5*time.Millisecond)

	entry := trades[0]
	assert.Equal(t, model.PaperEventEntry, entry.Event)
	assert.Equal(t, model.SideBuy, entry.Direction)
	assert.Equal(t, 20545.0, entry.Entry)
	assert.Equal(t, 20505.0, entry.Stop)
	assert.Equal(t, 20585.0, entry.Target)
	assert.Equal(t, 40.0, entry.Risk)
	assert.Equal(t, 2, entry.Qty)
	assert.Empty(t, r.broker.Placed())

	// the target is touched by a later quote
	r.broker.PushQuote(contract, 20590, 200)
	require.Eventually(t, func() bool {
		trades, _ = executor.ReadJournal(r.fs, "paper_trades.log")
		return len(trades) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "TARGET", trades[1].Reason)

	r.cancel()
	require.NoError(t, <-r.done)

	summary := r.coord.Stop(context.Background())
	assert.Equal(t, 1, summary.Trades)
	assert.Equal(t, 45.0, summary.DailyPnL)
	assert.False(t, summary.KillSwitch)
	assert.NoError(t, summary.FlattenErr)
	assert.Equal(t, api.StateClosed, r.coord.connector.State())

	assert.Equal(t, summary, r.coord.Stop(context.Background()))
}

func TestCoordinatorSmallMoveIsIgnored(t *testing.T) {
	r := start(t, model.ModePaper, nil)

	r.candle(t, 20500)
	r.candle(t, 20520)
	require.Eventually(t, func() bool { return len(r.coord.detector.History()) == 2 }, waitFor, time.Millisecond)

	_, err := r.fs.Stat("paper_trades.log")
	require.NoError(t, err)
	trades, err := executor.ReadJournal(r.fs, "paper_trades.log")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCoordinatorLiveBracketAndStopFlattens(t *testing.T) {
	r := start(t, model.ModeLive, nil)

	r.candle(t, 20550)
	// -40 points, high 20552: Sell with the stop above
	r.candle(t, 20552, 20510)
	require.Eventually(t, func() bool { return len(r.broker.Placed()) == 3 }, waitFor, time.Millisecond)

	placed := r.broker.Placed()
	assert.Equal(t, "Sell", placed[0].Action)
	assert.Equal(t, "Market", placed[0].OrderType)
	assert.Equal(t, "Buy", placed[1].Action)
	assert.Equal(t, 20552.0, *placed[1].StopPrice)
	assert.Equal(t, "Buy", placed[2].Action)
	assert.Equal(t, 20468.0, *placed[2].Price)

	// the broker reports the short; a second breakout must not add to it
	r.broker.PushPosition(apitest.AccountID, contract, -2, 20510, -5)
	require.Eventually(t, func() bool {
		p, ok := r.coord.engine.Position(contract)
		return ok && p.NetPos == -2
	}, waitFor, time.Millisecond)
	r.candle(t, 20470)
	require.Eventually(t, func() bool { return len(r.coord.detector.History()) == 3 }, waitFor, time.Millisecond)
	assert.Len(t, r.broker.Placed(), 3)

	summary := r.coord.Stop(context.Background())
	assert.NoError(t, summary.FlattenErr)
	assert.ElementsMatch(t, []int64{1002, 1003}, r.broker.Cancels())
	assert.Equal(t, 1, summary.Trades)

	r.cancel()
	require.NoError(t, <-r.done)
}

func TestCoordinatorStopDoesNotHangOnCancel(t *testing.T) {
	const flattenTimeout = 300 * time.Millisecond
	r := start(t, model.ModeLive, func(c *service.Config) { c.Execution.FlattenTimeout = flattenTimeout })

	r.candle(t, 20550)
	r.candle(t, 20552, 20510)
	require.Eventually(t, func() bool { return len(r.broker.Placed()) == 3 }, waitFor, time.Millisecond)
	r.broker.HangCancel(1002)

	began := time.Now()
	summary := r.coord.Stop(context.Background())
	assert.Less(t, time.Since(began), flattenTimeout+700*time.Millisecond)
	require.Error(t, summary.FlattenErr)
	assert.ErrorContains(t, summary.FlattenErr, "cancel 1002")
	assert.ElementsMatch(t, []int64{1002, 1003}, r.broker.Cancels())
	assert.Equal(t, api.StateClosed, r.coord.connector.State())

	began = time.Now()
	again := r.coord.Stop(context.Background())
	assert.Less(t, time.Since(began), 50*time.Millisecond)
	assert.Equal(t, summary, again)
	assert.Len(t, r.broker.Cancels(), 2)

	r.cancel()
	require.NoError(t, <-r.done)
}

func TestCoordinatorStopFloorWidensTightStop(t *testing.T) {
	r := start(t, model.ModePaper, func(c *service.Config) { c.Risk.StopFloor = true })

	r.candle(t, 20500, 20510)
	// +35 points but the candle low is only 5 points away
	r.candle(t, 20540, 20545)
	var trades []model.PaperTrade
	require.Eventually(t, func() bool {
		var err error
		trades, err = executor.ReadJournal(r.fs, "paper_trades.log")
		return err == nil && len(trades) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 20545.0, trades[0].Entry)
	assert.Equal(t, 20515.0, trades[0].Stop)
	assert.Equal(t, 20575.0, trades[0].Target)
	assert.Equal(t, 30.0, trades[0].Risk)
}

func TestCoordinatorStopsWhenStreamGivesUp(t *testing.T) {
	r := start(t, model.ModePaper, func(c *service.Config) { c.Stream.Reconnect = false })

	r.broker.DropStreams()
	select {
	case err := <-r.done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(waitFor):
		t.Fatal("Wait did not return after the stream closed")
	}
	r.coord.Stop(context.Background())
}

func TestCoordinatorStartRejectsBadCredentials(t *testing.T) {
	b := apitest.New(t)
	cfg := testConfig(b, model.ModePaper)
	cfg.Broker.Password = "nope"
	coord := New(cfg, afero.NewMemMapFs(), zaptest.NewLogger(t), nil)

	err := coord.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrAuth)
	assert.Error(t, coord.Start(context.Background()))

	assert.NotPanics(t, func() { coord.Stop(context.Background()) })
	assert.Error(t, coord.Wait())
}
