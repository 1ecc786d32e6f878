package model

import (
	"fmt"
	"time"
)

// Signal is a directional breakout produced on candle close and consumed by the risk gate
// in the same decision cycle.
type Signal struct {
	Symbol     string
	ContractID int64
	Timestamp  time.Time // close time of the breakout candle
	Direction  Side
	EntryPrice float64
	StopPrice  float64 // breakout candle low for Buy, high for Sell
	RiskPoints float64 // |entry - stop|
	MovePoints float64 // |close - prior close|
	ATR        float64 // 0 when history is too short
	Breakout   Candle
	Prior      Candle
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s %s] @ %.2f | SL: %.2f | Risk: %.2f pts | Move: %.2f pts",
		s.Direction, s.Symbol, s.EntryPrice, s.StopPrice, s.RiskPoints, s.MovePoints)
}

// Order is a broker order tracked locally. Status only moves forward, see OrderStatus.
type Order struct {
	ID          int64
	Symbol      string
	Side        Side
	Qty         int
	Type        OrderType
	Price       float64 // limit price, 0 when unused
	StopPrice   float64 // stop trigger, 0 when unused
	TimeInForce TimeInForce
	Status      OrderStatus
	BracketID   string // correlates entry, stop and target legs
	UpdatedAt   time.Time
}

// Transition moves the order to next if the lifecycle allows it.
func (o *Order) Transition(next OrderStatus, at time.Time) error {
	if o.Status == next {
		return nil
	}
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %d: illegal status transition %s -> %s", o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// PaperTrade is one line of the append-only paper journal.
type PaperTrade struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"` // ENTRY or EXIT
	Time       time.Time `json:"time"`
	Instrument string    `json:"instrument"`
	Direction  Side      `json:"direction"`
	Qty        int       `json:"qty"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Target     float64   `json:"target"`
	Risk       float64   `json:"risk"`
	Mode       string    `json:"mode"`
	Exit       float64   `json:"exit,omitempty"`
	PnL        float64   `json:"pnl,omitempty"`
	Reason     string    `json:"reason,omitempty"` // STOP or TARGET on exits
}

const (
	PaperEventEntry = "ENTRY"
	PaperEventExit  = "EXIT"
	PaperModeLabel  = "PAPER"
)
