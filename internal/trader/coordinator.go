// Package trader wires the session, stream, aggregation, detection, risk and execution into
// one running pipeline.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mnq-momentum-trader/internal/api"
	"mnq-momentum-trader/internal/data"
	"mnq-momentum-trader/internal/executor"
	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/internal/risk"
	"mnq-momentum-trader/internal/service"
	"mnq-momentum-trader/internal/strategy"
)

// ErrStreamClosed is returned by Wait when the market data stream is permanently down.
var ErrStreamClosed = errors.New("market data stream closed")

// Summary is reported when the coordinator stops.
type Summary struct {
	Trades     int
	DailyPnL   float64
	KillSwitch bool
	FlattenErr error
}

// Coordinator owns the component lifecycle.
type Coordinator struct {
	cfg     *service.Config
	fs      afero.Fs
	logger  *zap.Logger
	metrics *metrics.Metrics

	session    *api.Session
	connector  *api.Connector
	aggregator *data.CandleAggregator
	detector   *strategy.SignalGenerator
	gate       *risk.Gate
	engine     *executor.Engine
	journal    *executor.Journal

	ticks <-chan time.Time // interval clock override, nil uses a real ticker
	group *errgroup.Group

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	summary  Summary
}

// New prepares a coordinator. fs holds the paper journal.
func New(cfg *service.Config, fs afero.Fs, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		fs:      fs,
		logger:  logger.With(zap.String("component", "coordinator")),
		metrics: m,
	}
}

// Start authenticates, builds and connects the pipeline and launches the background tasks.
// They stop when ctx is cancelled; Wait blocks until then.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	cfg := c.cfg
	logger := c.logger.With(zap.String("Symbol", cfg.Strategy.Symbol), zap.String("Mode", string(cfg.Broker.Mode)))
	logger.Info("Starting trading pipeline...")

	client := api.NewClient(api.ClientConfig{
		BaseURL:        cfg.Broker.RESTURL,
		Timeout:        cfg.Broker.RequestTimeout,
		RateLimit:      cfg.Broker.RateLimit,
		ReadRetries:    cfg.Broker.ReadRetries,
		RetryBaseDelay: cfg.Broker.RetryBaseDelay,
	}, c.logger)
	c.session = api.NewSession(client, api.Credentials{
		Username:   cfg.Broker.Username,
		Password:   cfg.Broker.Password,
		Secret:     cfg.Broker.Secret,
		AppID:      cfg.Broker.AppID,
		AppVersion: cfg.Broker.AppVersion,
		CID:        cfg.Broker.CID,
	}, api.SessionConfig{RenewAfter: cfg.Session.RenewAfter, Expiry: cfg.Session.Expiry},
		cfg.Broker.AccountID, c.logger, c.metrics)
	if err := c.session.Acquire(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	tokens, _ := c.session.Tokens()

	loc, err := cfg.Risk.Location()
	if err != nil {
		return err
	}
	c.gate = risk.NewGate(risk.Config{
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
		PositionSizePct: cfg.Risk.PositionSizePct,
		AccountBalance:  cfg.Risk.AccountBalance,
		RPerTrade:       cfg.Risk.RPerTrade,
		PointValue:      cfg.Risk.PointValue,
		Location:        loc,
		StopFloor:       cfg.Risk.StopFloor,
	}, c.logger, c.metrics)

	c.detector = strategy.NewSignalGenerator(strategy.Config{
		Threshold:    cfg.Strategy.Threshold,
		RiskMultiple: cfg.Strategy.RiskMultiple,
		History:      cfg.Strategy.History,
		ATRPeriod:    cfg.Strategy.ATRPeriod,
	}, c.logger, c.metrics)
	c.aggregator = data.NewCandleAggregator(cfg.Strategy.Symbol, cfg.Strategy.Interval, cfg.Stream.QuoteBuffer, c.logger, c.metrics)

	if cfg.Broker.Mode == model.ModePaper {
		c.journal, err = executor.OpenJournal(c.fs, cfg.Execution.PaperLog)
		if err != nil {
			return err
		}
	}
	orders := api.NewOrderClient(client, c.session, cfg.Broker.AccountSpec, c.logger, c.metrics)
	c.engine = executor.NewEngine(executor.Config{
		TimeInForce:         cfg.Execution.TimeInForce,
		TickSize:            cfg.Execution.TickSize,
		PointValue:          cfg.Risk.PointValue,
		CancelConcurrency:   cfg.Execution.CancelConcurrency,
		FlattenOnLegFailure: cfg.Execution.FlattenOnLegFailure,
	}, orders, c.gate, c.journal, c.logger, c.metrics)

	c.connector = api.NewConnector(api.ConnectorConfig{
		URL:              cfg.Broker.WSURL,
		Reconnect:        cfg.Stream.Reconnect,
		BackoffInitial:   cfg.Stream.BackoffInitial,
		BackoffMax:       cfg.Stream.BackoffMax,
		MaxAttempts:      cfg.Stream.MaxAttempts,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		PingInterval:     cfg.Stream.PingInterval,
	}, c.session, c.logger, c.metrics)
	c.connector.OnQuote(api.QuoteListenerFunc(c.aggregator.Enqueue))
	c.connector.OnQuote(api.QuoteListenerFunc(c.engine.OnQuote))
	c.connector.OnPosition(api.PositionListenerFunc(c.engine.OnPosition))
	c.connector.OnOrder(api.OrderListenerFunc(c.engine.OnOrderUpdate))

	if err := c.connector.Connect(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := c.connector.SubscribeQuote(cfg.Strategy.Symbol); err != nil {
		return err
	}
	if err := c.connector.SubscribePosition(tokens.AccountID); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.session.RunRenewal(gctx, cfg.Session.CheckInterval) })
	group.Go(func() error {
		if c.ticks != nil {
			return c.aggregator.RunWithTicks(gctx, c.ticks)
		}
		return c.aggregator.Run(gctx)
	})
	group.Go(func() error { return c.decisionLoop(gctx) })
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-c.connector.Done():
			if !c.running.Load() {
				// closed by Stop
				return nil
			}
			return ErrStreamClosed
		}
	})
	c.group = group
	c.running.Store(true)

	logger.Info("Trading pipeline running",
		zap.Int64("AccountID", tokens.AccountID),
		zap.String("Interval", service.FormatInterval(cfg.Strategy.Interval)),
	)
	return nil
}

// Wait blocks until the context passed to Start is cancelled (nil) or a task fails.
func (c *Coordinator) Wait() error {
	if c.group == nil {
		return errors.New("coordinator not started")
	}
	err := c.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) decisionLoop(ctx context.Context) error {
	candles := c.aggregator.Candles()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case candle := <-candles:
			c.onCandle(ctx, candle)
		}
	}
}

// onCandle is one decision cycle.
func (c *Coordinator) onCandle(ctx context.Context, candle model.Candle) {
	c.gate.ResetDay()

	sig := c.detector.OnCandleClose(candle)
	if sig == nil || !c.running.Load() {
		return
	}
	c.gate.ApplyStopFloor(sig)
	target := c.detector.Target(sig)

	b, err := c.engine.Execute(ctx, *sig, target, c.cfg.Broker.Mode)
	var (
		rej  *model.RiskRejection
		perr *model.PartialBracketError
	)
	switch {
	case err == nil:
		c.logger.Info("Bracket opened",
			zap.String("Bracket", b.ID),
			zap.String("Direction", b.Side.String()),
			zap.Int("Qty", b.Qty),
			zap.Float64("Entry", b.Entry),
			zap.Float64("Stop", b.Stop),
			zap.Float64("Target", b.Target),
		)
	case errors.Is(err, model.ErrPositionOpen):
		c.logger.Info("Signal skipped, position open")
	case errors.As(err, &rej):
		c.logger.Info("Signal rejected", zap.String("Reason", rej.Reason))
	case errors.As(err, &perr):
		// already logged by the engine
	default:
		c.logger.Error("Execution failed", zap.Error(err))
	}
}

// Stop flattens working orders, disconnects and reports the day. Further calls return the
// first summary.
func (c *Coordinator) Stop(ctx context.Context) Summary {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.logger.Info("Stopping trading pipeline...")

		if c.engine != nil {
			timeout := c.cfg.Execution.FlattenTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			fctx, cancel := context.WithTimeout(ctx, timeout)
			c.summary.FlattenErr = c.engine.FlattenAll(fctx)
			cancel()
			if c.summary.FlattenErr != nil {
				c.logger.Error("Flatten incomplete", zap.Error(c.summary.FlattenErr))
			}
		}
		if c.connector != nil {
			if err := c.connector.Disconnect(); err != nil {
				c.logger.Warn("Disconnect failed", zap.Error(err))
			}
		}
		if c.journal != nil {
			if err := c.journal.Close(); err != nil {
				c.logger.Warn("Closing paper journal failed", zap.Error(err))
			}
		}
		if c.gate != nil {
			state := c.gate.Snapshot()
			c.summary.Trades = state.TradesToday
			c.summary.DailyPnL = state.DailyPnL
			c.summary.KillSwitch = state.KillSwitch
		}
		c.logger.Info("SESSION SUMMARY",
			zap.Int("Trades", c.summary.Trades),
			zap.Float64("DailyPnL", c.summary.DailyPnL),
			zap.Bool("KillSwitch", c.summary.KillSwitch),
		)
	})
	return c.summary
}
