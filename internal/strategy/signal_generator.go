package strategy

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/pkg/ta"
)

// SignalGenerator detects close-to-close momentum breakouts on completed candles.
type SignalGenerator struct {
	mu       sync.Mutex
	cfg      Config
	history  []model.Candle
	taClient *ta.TACalculator
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewSignalGenerator initialises the detector.
func NewSignalGenerator(cfg Config, logger *zap.Logger, m *metrics.Metrics) *SignalGenerator {
	if cfg.History < 2 {
		cfg.History = 100
	}
	if cfg.RiskMultiple <= 0 {
		cfg.RiskMultiple = 1
	}
	logger = logger.With(zap.String("component", "strategy"))
	return &SignalGenerator{
		cfg:      cfg,
		history:  make([]model.Candle, 0, cfg.History),
		taClient: ta.NewTACalculator(cfg.ATRPeriod, cfg.History, logger),
		logger:   logger,
		metrics:  m,
	}
}

// OnCandleClose appends the candle to the history and evaluates it against the prior close.
// It returns nil when there is no breakout.
func (sg *SignalGenerator) OnCandleClose(candle model.Candle) *model.Signal {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	sg.history = append(sg.history, candle)
	if len(sg.history) > sg.cfg.History {
		sg.history = sg.history[len(sg.history)-sg.cfg.History:]
	}
	sg.taClient.UpdateCandle(candle)

	if len(sg.history) < 2 {
		return nil
	}

	prior := sg.history[len(sg.history)-2]
	move := candle.Close - prior.Close
	if math.Abs(move) < sg.cfg.Threshold {
		sg.logger.Debug("No breakout", zap.Float64("Move", move), zap.Float64("Threshold", sg.cfg.Threshold))
		return nil
	}

	dir := model.SideSell
	stop := candle.High
	if move > 0 {
		dir = model.SideBuy
		stop = candle.Low
	}

	atr, err := sg.taClient.ATR()
	if err != nil {
		atr = 0
	}

	signal := &model.Signal{
		Symbol:     candle.Symbol,
		ContractID: candle.ContractID,
		Timestamp:  candle.EndTime,
		Direction:  dir,
		EntryPrice: candle.Close,
		StopPrice:  stop,
		RiskPoints: math.Abs(candle.Close - stop),
		MovePoints: math.Abs(move),
		ATR:        atr,
		Breakout:   candle,
		Prior:      prior,
	}

	sg.metrics.SignalEmitted(dir.String())
	sg.logger.Info(signal.String(),
		zap.String("Symbol", signal.Symbol),
		zap.Float64("Target", sg.Target(signal)),
		zap.Float64("ATR", atr),
	)
	return signal
}

// Target is the profit target for s at the configured risk multiple.
func (sg *SignalGenerator) Target(s *model.Signal) float64 {
	return CalculateTarget(s.EntryPrice, s.StopPrice, s.Direction, sg.cfg.RiskMultiple)
}

// History returns a copy of the retained candles, oldest first.
func (sg *SignalGenerator) History() []model.Candle {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	out := make([]model.Candle, len(sg.history))
	copy(out, sg.history)
	return out
}
