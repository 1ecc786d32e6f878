// Package executor turns approved signals into broker brackets or paper trades.
package executor

import (
	"context"
	"time"

	"mnq-momentum-trader/internal/api"
	"mnq-momentum-trader/internal/model"
)

// Broker is the order surface the engine needs. *api.OrderClient implements it.
type Broker interface {
	PlaceOrder(ctx context.Context, req api.OrderRequest) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	ModifyOrder(ctx context.Context, orderID int64, price float64, qty int) error
	ListOrders(ctx context.Context) ([]model.Order, error)
}

// Config holds the execution settings.
type Config struct {
	TimeInForce         model.TimeInForce // protective legs
	TickSize            float64
	PointValue          float64 // dollars per point per contract
	CancelConcurrency   int
	FlattenOnLegFailure bool
}

// Bracket is the outcome of one approved entry.
type Bracket struct {
	ID         string
	Mode       model.Mode
	Symbol     string
	ContractID int64
	Side       model.Side
	Qty        int
	Entry      float64
	Stop       float64
	Target     float64
	EntryID    int64 // live only
	StopID     int64
	TargetID   int64
	CreatedAt  time.Time
}
