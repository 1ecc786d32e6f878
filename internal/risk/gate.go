// Package risk holds the daily guard rails applied before every entry.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
)

// Reason is the outcome code of CheckEntry.
type Reason string

const (
	ReasonOK         Reason = "OK"
	ReasonKillSwitch Reason = "KILL_SWITCH"
	ReasonDailyLoss  Reason = "DAILY_LOSS"
	ReasonMaxTrades  Reason = "MAX_TRADES"
	ReasonMaxSize    Reason = "MAX_SIZE"
	ReasonPoorRR     Reason = "POOR_RR"
	// ReasonZeroSize is raised by the execution engine when sizing rounds down to nothing.
	ReasonZeroSize Reason = "ZERO_SIZE"
)

const (
	defaultStopPoints = 30.0
	atrStopMultiple   = 2.0
)

// Config is the static part of the gate.
type Config struct {
	MaxDailyLoss    float64 // < 0
	MaxPositionSize int
	MaxTradesPerDay int
	PositionSizePct float64
	AccountBalance  float64
	RPerTrade       float64
	PointValue      float64
	Location        *time.Location // trading-day boundary
	StopFloor       bool           // see ApplyStopFloor
}

// State is a point-in-time copy of the daily counters.
type State struct {
	DailyPnL    float64
	TradesToday int
	DayStart    time.Time
	KillSwitch  bool
}

// Gate approves or rejects entries and keeps the daily counters.
type Gate struct {
	mu          sync.Mutex
	cfg         Config
	dailyPnL    decimal.Decimal
	maxLoss     decimal.Decimal
	tradesToday int
	dayStart    time.Time
	killSwitch  bool

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewGate(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	g := &Gate{
		cfg:     cfg,
		maxLoss: decimal.NewFromFloat(cfg.MaxDailyLoss),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "risk")),
		metrics: m,
	}
	g.dayStart = g.now().In(cfg.Location)
	g.publish()
	return g
}

// CheckEntry evaluates the rules in fixed order and returns the first failure.
func (g *Gate) CheckEntry(dir model.Side, size int, entry, stop float64) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ok, reason, detail := g.check(size, entry, stop)
	if !ok {
		g.metrics.RiskRejected(string(reason))
		g.logger.Warn("Entry rejected",
			zap.String("Reason", string(reason)),
			zap.String("Detail", detail),
			zap.String("Direction", dir.String()),
			zap.Int("Size", size),
		)
		g.publish()
	}
	return ok, reason
}

func (g *Gate) check(size int, entry, stop float64) (bool, Reason, string) {
	if g.killSwitch {
		return false, ReasonKillSwitch, "kill switch active"
	}
	if g.dailyPnL.LessThanOrEqual(g.maxLoss) {
		g.killSwitch = true
		return false, ReasonDailyLoss, fmt.Sprintf("daily P&L %s", g.dailyPnL.StringFixed(2))
	}
	if g.tradesToday >= g.cfg.MaxTradesPerDay {
		return false, ReasonMaxTrades, fmt.Sprintf("%d trades today", g.tradesToday)
	}
	if size > g.cfg.MaxPositionSize {
		return false, ReasonMaxSize, fmt.Sprintf("%d > %d", size, g.cfg.MaxPositionSize)
	}
	risk := math.Abs(entry - stop)
	perContract := risk * g.cfg.PointValue
	if perContract < g.cfg.RPerTrade {
		return false, ReasonPoorRR, fmt.Sprintf("%.2f pts = $%.2f", risk, perContract)
	}
	return true, ReasonOK, ""
}

// UpdatePnl books realized P&L and trips the kill switch at the daily loss limit.
func (g *Gate) UpdatePnl(realized float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyPnL = g.dailyPnL.Add(decimal.NewFromFloat(realized))
	g.logger.Info("Daily P&L updated",
		zap.String("DailyPnL", g.dailyPnL.StringFixed(2)),
		zap.Int("Trades", g.tradesToday),
	)
	if !g.killSwitch && g.dailyPnL.LessThanOrEqual(g.maxLoss) {
		g.killSwitch = true
		g.logger.Error("DAILY LOSS LIMIT HIT, kill switch set", zap.String("DailyPnL", g.dailyPnL.StringFixed(2)))
	}
	g.publish()
}

// RecordTrade counts an entry against the daily limit.
func (g *Gate) RecordTrade() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradesToday++
	g.publish()
}

// ResetDay clears the counters and the kill switch once the calendar date has advanced past the
// stored day boundary. It reports whether a reset happened.
func (g *Gate) ResetDay() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.cfg.Location)
	if !dateAfter(now, g.dayStart) {
		return false
	}
	g.dailyPnL = decimal.Zero
	g.tradesToday = 0
	g.killSwitch = false
	g.dayStart = now
	g.publish()
	g.logger.Info("New day reset", zap.Time("DayStart", now))
	return true
}

func dateAfter(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}

// TriggerKillSwitch blocks all further entries until the next day reset.
func (g *Gate) TriggerKillSwitch(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.killSwitch {
		g.killSwitch = true
		g.logger.Error("Kill switch set", zap.String("Reason", reason))
		g.publish()
	}
}

// PositionSize is min(floor(balance x pct / R), maxPositionSize).
func (g *Gate) PositionSize() int {
	size := int(math.Floor(g.cfg.AccountBalance * g.cfg.PositionSizePct / g.cfg.RPerTrade))
	return min(size, g.cfg.MaxPositionSize)
}

// CalculateStop returns a stop 2xATR away from entry, or a fixed 30 points when atr is zero.
func (g *Gate) CalculateStop(entry float64, dir model.Side, atr float64) float64 {
	distance := defaultStopPoints
	if atr > 0 {
		distance = atrStopMultiple * atr
	}
	return entry - dir.Sign()*distance
}

// ApplyStopFloor widens the stop of sig to the CalculateStop distance when the floor is enabled
// and the candle stop is tighter. It reports whether the stop moved.
func (g *Gate) ApplyStopFloor(sig *model.Signal) bool {
	if !g.cfg.StopFloor {
		return false
	}
	floor := g.CalculateStop(sig.EntryPrice, sig.Direction, sig.ATR)
	if math.Abs(sig.EntryPrice-floor) <= sig.RiskPoints {
		return false
	}
	g.logger.Info("Stop widened to floor",
		zap.Float64("CandleStop", sig.StopPrice),
		zap.Float64("Stop", floor),
		zap.Float64("ATR", sig.ATR),
	)
	sig.StopPrice = floor
	sig.RiskPoints = math.Abs(sig.EntryPrice - floor)
	return true
}

// Snapshot copies the current counters.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		DailyPnL:    g.dailyPnL.InexactFloat64(),
		TradesToday: g.tradesToday,
		DayStart:    g.dayStart,
		KillSwitch:  g.killSwitch,
	}
}

// publish must be called with mu held.
func (g *Gate) publish() {
	g.metrics.RiskState(g.dailyPnL.InexactFloat64(), g.tradesToday, g.killSwitch)
}
