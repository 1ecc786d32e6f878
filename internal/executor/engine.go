package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mnq-momentum-trader/internal/api"
	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/internal/risk"
)

// Engine executes approved signals. Live mode places a Market entry with an opposite Stop and
// Limit; paper mode journals the bracket and simulates its exits on later quotes.
type Engine struct {
	cfg     Config
	broker  Broker
	gate    *risk.Gate
	journal *Journal
	paper   *PaperBook

	posMu     sync.Mutex
	positions map[int64]model.Position

	ordMu  sync.Mutex
	orders map[int64]*model.Order

	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine builds the engine. journal may be nil when only live mode is used.
func NewEngine(cfg Config, broker Broker, gate *risk.Gate, journal *Journal, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.CancelConcurrency <= 0 {
		cfg.CancelConcurrency = 4
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = model.TIFDay
	}
	return &Engine{
		cfg:       cfg,
		broker:    broker,
		gate:      gate,
		journal:   journal,
		paper:     NewPaperBook(cfg.PointValue),
		positions: make(map[int64]model.Position),
		orders:    make(map[int64]*model.Order),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With(zap.String("component", "executor")),
		metrics:   m,
	}
}

// Execute runs the guards and, on approval, opens the bracket in the given mode.
// A held position yields model.ErrPositionOpen, a gate refusal *model.RiskRejection and a
// failed protective leg *model.PartialBracketError.
func (e *Engine) Execute(ctx context.Context, sig model.Signal, target float64, mode model.Mode) (*Bracket, error) {
	if e.holding(sig.ContractID) {
		e.logger.Warn("Signal ignored, position already open",
			zap.String("Symbol", sig.Symbol), zap.String("Direction", sig.Direction.String()))
		return nil, model.ErrPositionOpen
	}

	size := e.gate.PositionSize()
	if size < 1 {
		e.metrics.RiskRejected(string(risk.ReasonZeroSize))
		return nil, &model.RiskRejection{Reason: string(risk.ReasonZeroSize), Detail: "position size rounds to zero"}
	}
	if ok, reason := e.gate.CheckEntry(sig.Direction, size, sig.EntryPrice, sig.StopPrice); !ok {
		return nil, &model.RiskRejection{Reason: string(reason)}
	}

	b := &Bracket{
		ID:         e.newID(),
		Mode:       mode,
		Symbol:     sig.Symbol,
		ContractID: sig.ContractID,
		Side:       sig.Direction,
		Qty:        size,
		Entry:      sig.EntryPrice,
		Stop:       e.roundTick(sig.StopPrice),
		Target:     e.roundTick(target),
		CreatedAt:  e.now(),
	}

	switch mode {
	case model.ModePaper:
		if err := e.openPaper(b, sig.RiskPoints); err != nil {
			return nil, err
		}
	case model.ModeLive:
		if err := e.openLive(ctx, b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("execute: unknown mode %q", mode)
	}
	e.gate.RecordTrade()
	return b, nil
}

func (e *Engine) holding(contractID int64) bool {
	if e.paper.Open(contractID) {
		return true
	}
	e.posMu.Lock()
	defer e.posMu.Unlock()
	p, ok := e.positions[contractID]
	return ok && !p.Flat()
}

func (e *Engine) openPaper(b *Bracket, riskPoints float64) error {
	if e.journal == nil {
		return errors.New("paper mode without a journal")
	}
	rec := model.PaperTrade{
		ID:         b.ID,
		Event:      model.PaperEventEntry,
		Time:       b.CreatedAt,
		Instrument: b.Symbol,
		Direction:  b.Side,
		Qty:        b.Qty,
		Entry:      b.Entry,
		Stop:       b.Stop,
		Target:     b.Target,
		Risk:       riskPoints,
		Mode:       model.PaperModeLabel,
	}
	if err := e.journal.Append(rec); err != nil {
		return err
	}
	e.paper.open(paperPosition{
		ID:         b.ID,
		Symbol:     b.Symbol,
		ContractID: b.ContractID,
		Side:       b.Side,
		Qty:        b.Qty,
		Entry:      b.Entry,
		Stop:       b.Stop,
		Target:     b.Target,
		Risk:       riskPoints,
		OpenedAt:   b.CreatedAt,
	})
	e.logger.Info("PAPER TRADE",
		zap.String("ID", b.ID),
		zap.String("Direction", b.Side.String()),
		zap.Int("Qty", b.Qty),
		zap.Float64("Entry", b.Entry),
		zap.Float64("Stop", b.Stop),
		zap.Float64("Target", b.Target),
	)
	return nil
}

func (e *Engine) openLive(ctx context.Context, b *Bracket) error {
	entryID, err := e.place(ctx, b, api.OrderRequest{
		Symbol: b.Symbol, Side: b.Side, Qty: b.Qty, Type: model.OrderMarket, TimeInForce: model.TIFDay,
	})
	if err != nil {
		return fmt.Errorf("entry order: %w", err)
	}
	b.EntryID = entryID

	exit := b.Side.Opposite()
	stopID, err := e.place(ctx, b, api.OrderRequest{
		Symbol: b.Symbol, Side: exit, Qty: b.Qty, Type: model.OrderStop, StopPrice: b.Stop, TimeInForce: e.cfg.TimeInForce,
	})
	if err != nil {
		return e.compensate(ctx, b, model.OrderStop, err)
	}
	b.StopID = stopID

	targetID, err := e.place(ctx, b, api.OrderRequest{
		Symbol: b.Symbol, Side: exit, Qty: b.Qty, Type: model.OrderLimit, Price: b.Target, TimeInForce: e.cfg.TimeInForce,
	})
	if err != nil {
		return e.compensate(ctx, b, model.OrderLimit, err)
	}
	b.TargetID = targetID

	e.logger.Info("LIVE BRACKET",
		zap.String("Bracket", b.ID),
		zap.String("Direction", b.Side.String()),
		zap.Int("Qty", b.Qty),
		zap.Int64("EntryID", b.EntryID),
		zap.Int64("StopID", b.StopID),
		zap.Int64("TargetID", b.TargetID),
		zap.Float64("Stop", b.Stop),
		zap.Float64("Target", b.Target),
	)
	return nil
}

// compensate handles a protective leg that failed after the entry went in. The position is
// closed at market when configured, and a placed stop is cancelled only once that close is in.
// The entry still counts as a trade and the kill switch is set.
func (e *Engine) compensate(ctx context.Context, b *Bracket, leg model.OrderType, legErr error) error {
	perr := &model.PartialBracketError{BracketID: b.ID, EntryID: b.EntryID, Leg: leg, Err: legErr}
	e.metrics.PartialBracket()
	e.gate.RecordTrade()
	e.gate.TriggerKillSwitch(fmt.Sprintf("bracket %s: %s leg failed", b.ID, leg))

	if e.cfg.FlattenOnLegFailure {
		_, err := e.place(ctx, b, api.OrderRequest{
			Symbol: b.Symbol, Side: b.Side.Opposite(), Qty: b.Qty, Type: model.OrderMarket, TimeInForce: model.TIFDay,
		})
		perr.Flattened = err == nil
		if err != nil {
			e.logger.Error("Compensating flatten failed", zap.String("Bracket", b.ID), zap.Error(err))
		}
	}
	if b.StopID != 0 {
		perr.StopLive = true
		if perr.Flattened {
			if err := e.CancelOrder(ctx, b.StopID); err != nil {
				e.logger.Error("Could not cancel stop of flattened bracket", zap.String("Bracket", b.ID), zap.Error(err))
			} else {
				perr.StopLive = false
			}
		}
	}
	e.logger.Error("PROTECTIVE LEG FAILED", zap.Error(perr))
	return perr
}

func (e *Engine) place(ctx context.Context, b *Bracket, req api.OrderRequest) (int64, error) {
	id, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return 0, err
	}
	e.ordMu.Lock()
	e.orders[id] = &model.Order{
		ID:          id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Type:        req.Type,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		Status:      model.StatusWorking,
		BracketID:   b.ID,
		UpdatedAt:   e.now(),
	}
	e.ordMu.Unlock()
	return id, nil
}

// roundTick snaps price to the nearest tick.
func (e *Engine) roundTick(price float64) float64 {
	if e.cfg.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(e.cfg.TickSize)
	return decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).InexactFloat64()
}

// FlattenAll cancels every Working order on the account. Cancels run in parallel and all
// failures are reported together.
func (e *Engine) FlattenAll(ctx context.Context) error {
	orders, err := e.broker.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("flatten: %w", err)
	}

	var (
		mu   sync.Mutex
		errs error
		n    int
	)
	p := pool.New().WithMaxGoroutines(e.cfg.CancelConcurrency)
	for _, o := range orders {
		if o.Status != model.StatusWorking {
			continue
		}
		n++
		id := o.ID
		p.Go(func() {
			if err := e.CancelOrder(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	failed := len(multierr.Errors(errs))
	e.logger.Info("Flatten complete", zap.Int("Working", n), zap.Int("Failed", failed))
	return errs
}

// CancelOrder is a single attempt. On success the tracked order becomes Cancelled.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel %d: %w", orderID, err)
	}
	e.ordMu.Lock()
	defer e.ordMu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		if err := o.Transition(model.StatusCancelled, e.now()); err != nil {
			e.logger.Debug("Local order already final", zap.Int64("OrderID", orderID), zap.Error(err))
		}
	}
	return nil
}

// ModifyOrder is a single attempt. Zero price or qty leaves that field unchanged.
func (e *Engine) ModifyOrder(ctx context.Context, orderID int64, price float64, qty int) error {
	price = e.roundTick(price)
	if err := e.broker.ModifyOrder(ctx, orderID, price, qty); err != nil {
		return fmt.Errorf("modify %d: %w", orderID, err)
	}
	e.ordMu.Lock()
	defer e.ordMu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		switch {
		case price == 0:
		case o.Type.UsesStopPrice() && !o.Type.UsesPrice():
			o.StopPrice = price
		default:
			o.Price = price
		}
		if qty != 0 {
			o.Qty = qty
		}
		o.UpdatedAt = e.now()
	}
	return nil
}

// OnQuote advances the paper book. A touched stop or target is journaled and its P&L booked.
func (e *Engine) OnQuote(q model.Quote) error {
	exit, ok := e.paper.onQuote(q)
	if !ok {
		return nil
	}
	pos := exit.Position
	at := exit.At
	if at.IsZero() {
		at = e.now()
	}

	e.gate.UpdatePnl(exit.PnL)
	e.logger.Info("PAPER EXIT",
		zap.String("ID", pos.ID),
		zap.String("Reason", exit.Reason),
		zap.Float64("Exit", exit.Price),
		zap.Float64("PnL", exit.PnL),
	)
	if e.journal == nil {
		return nil
	}
	return e.journal.Append(model.PaperTrade{
		ID:         pos.ID,
		Event:      model.PaperEventExit,
		Time:       at,
		Instrument: pos.Symbol,
		Direction:  pos.Side,
		Qty:        pos.Qty,
		Entry:      pos.Entry,
		Stop:       pos.Stop,
		Target:     pos.Target,
		Risk:       pos.Risk,
		Mode:       model.PaperModeLabel,
		Exit:       exit.Price,
		PnL:        exit.PnL,
		Reason:     exit.Reason,
	})
}

// OnPosition tracks the broker position. When a position goes flat its last unrealized P&L is
// booked as realized.
func (e *Engine) OnPosition(p model.Position) error {
	e.posMu.Lock()
	prev, had := e.positions[p.ContractID]
	e.positions[p.ContractID] = p
	e.posMu.Unlock()

	if had && !prev.Flat() && p.Flat() {
		e.logger.Info("Position closed", zap.Int64("ContractID", p.ContractID), zap.Float64("PnL", prev.Unrealized))
		e.gate.UpdatePnl(prev.Unrealized)
	}
	return nil
}

// OnOrderUpdate applies a broker status change to a tracked order.
func (e *Engine) OnOrderUpdate(u model.OrderUpdate) error {
	e.ordMu.Lock()
	defer e.ordMu.Unlock()
	o, ok := e.orders[u.OrderID]
	if !ok {
		return nil
	}
	at := u.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	return o.Transition(u.Status, at)
}

// Order returns a copy of a tracked order.
func (e *Engine) Order(id int64) (model.Order, bool) {
	e.ordMu.Lock()
	defer e.ordMu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Position returns the last broker position seen for contractID.
func (e *Engine) Position(contractID int64) (model.Position, bool) {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	p, ok := e.positions[contractID]
	return p, ok
}

// OpenPaperPositions is the number of simulated brackets still open.
func (e *Engine) OpenPaperPositions() int { return e.paper.Len() }
