package model

import (
	"fmt"
	"time"
)

// Quote is the smallest unit of market data: one top-of-book snapshot from the quote stream.
type Quote struct {
	ContractID int64     // broker contract id
	Bid        float64   // best bid price
	Ask        float64   // best ask price
	Last       float64   // last trade price
	BidSize    float64   // size at best bid
	AskSize    float64   // size at best ask
	Volume     float64   // session volume as reported by the feed (cumulative, not per tick)
	Timestamp  time.Time // receive time
}

// Candle is an OHLCV bar built from quotes.
type Candle struct {
	Symbol     string
	ContractID int64
	Interval   string // e.g. "5m"
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	StartTime  time.Time // time of the first quote in the bar
	EndTime    time.Time // stamped when the bar is sealed
	Complete   bool
}

// IsBullish reports whether the bar closed above its open.
func (c Candle) IsBullish() bool { return c.Close > c.Open }

// IsBearish reports whether the bar closed below its open.
func (c Candle) IsBearish() bool { return c.Close < c.Open }

func (c Candle) String() string {
	return fmt.Sprintf("[%s CLOSE] O:%.2f H:%.2f L:%.2f C:%.2f V:%.0f",
		c.Interval, c.Open, c.High, c.Low, c.Close, c.Volume)
}

// Position is the broker's view of net exposure in one contract.
type Position struct {
	AccountID  int64
	ContractID int64
	NetPos     int     // signed net quantity, 0 means flat
	NetPrice   float64 // average entry price
	Unrealized float64 // unrealized P&L in account currency
	Timestamp  time.Time
}

// Flat reports whether the position carries no quantity.
func (p Position) Flat() bool { return p.NetPos == 0 }

// OrderUpdate is a status change for a broker order received on the user sync stream.
type OrderUpdate struct {
	OrderID   int64
	Status    OrderStatus
	Timestamp time.Time
}
