package model

import "fmt"

// Side is the direction of an order or a signal.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide validates a side received at a system boundary.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for Buy and -1 for Sell.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

func (s Side) String() string { return string(s) }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderType is the broker order kind.
type OrderType string

const (
	OrderMarket    OrderType = "Market"
	OrderLimit     OrderType = "Limit"
	OrderStop      OrderType = "Stop"
	OrderStopLimit OrderType = "StopLimit"
)

func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return OrderType(s), nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// UsesPrice reports whether the order kind carries a limit price.
func (t OrderType) UsesPrice() bool { return t == OrderLimit || t == OrderStopLimit }

// UsesStopPrice reports whether the order kind carries a stop trigger.
func (t OrderType) UsesStopPrice() bool { return t == OrderStop || t == OrderStopLimit }

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TimeInForce is an order validity policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "Day"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch TimeInForce(s) {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return TimeInForce(s), nil
	}
	return "", fmt.Errorf("unknown time in force %q", s)
}

func (t *TimeInForce) UnmarshalText(b []byte) error {
	v, err := ParseTimeInForce(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// OrderStatus is the lifecycle state of an order.
// Pending -> Working -> {Filled, Cancelled, Rejected}; it never moves backwards.
type OrderStatus string

const (
	StatusPending   OrderStatus = "Pending"
	StatusWorking   OrderStatus = "Working"
	StatusFilled    OrderStatus = "Filled"
	StatusCancelled OrderStatus = "Cancelled"
	StatusRejected  OrderStatus = "Rejected"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case StatusPending, StatusWorking, StatusFilled, StatusCancelled, StatusRejected:
		return OrderStatus(s), nil
	// the broker spells it with one "l"
	case "Canceled":
		return StatusCancelled, nil
	// broker-side pre-acceptance states
	case "PendingNew", "Suspended":
		return StatusPending, nil
	case "Expired":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusWorking:
		return 1
	case StatusFilled, StatusCancelled, StatusRejected:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s.rank() == 2 }

// CanTransition reports whether moving from s to next respects the forward-only lifecycle.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || s.Terminal() {
		return false
	}
	return to > from
}

// Mode selects paper recording or live order routing.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePaper, ModeLive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want paper or live)", s)
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
