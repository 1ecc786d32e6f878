package executor

import (
	"sync"
	"time"

	"mnq-momentum-trader/internal/model"
)

const (
	exitStop   = "STOP"
	exitTarget = "TARGET"
)

// paperPosition is an open simulated bracket.
type paperPosition struct {
	ID         string
	Symbol     string
	ContractID int64
	Side       model.Side
	Qty        int
	Entry      float64
	Stop       float64
	Target     float64
	Risk       float64
	OpenedAt   time.Time
}

// paperExit is a simulated bracket closed by a quote touching one of its legs.
type paperExit struct {
	Position paperPosition
	Price    float64
	Reason   string
	PnL      float64
	At       time.Time
}

// PaperBook tracks simulated positions, one per contract, and closes them on stop or target touch.
type PaperBook struct {
	mu         sync.Mutex
	pointValue float64
	positions  map[int64]paperPosition
}

func NewPaperBook(pointValue float64) *PaperBook {
	return &PaperBook{pointValue: pointValue, positions: make(map[int64]paperPosition)}
}

func (b *PaperBook) open(p paperPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.ContractID] = p
}

// Open reports whether a simulated position is held in contractID.
func (b *PaperBook) Open(contractID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.positions[contractID]
	return ok
}

func (b *PaperBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// onQuote closes the position in the quote's contract if the last price touched its stop or target.
// The stop wins when both are touched.
func (b *PaperBook) onQuote(q model.Quote) (paperExit, bool) {
	if q.Last <= 0 {
		return paperExit{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[q.ContractID]
	if !ok {
		return paperExit{}, false
	}

	var reason string
	switch {
	case stopTouched(pos, q.Last):
		reason = exitStop
	case targetTouched(pos, q.Last):
		reason = exitTarget
	default:
		return paperExit{}, false
	}

	delete(b.positions, q.ContractID)
	return paperExit{
		Position: pos,
		Price:    q.Last,
		Reason:   reason,
		PnL:      paperPnL(pos, q.Last, b.pointValue),
		At:       q.Timestamp,
	}, true
}

func stopTouched(p paperPosition, last float64) bool {
	if p.Side == model.SideBuy {
		return last <= p.Stop
	}
	return last >= p.Stop
}

func targetTouched(p paperPosition, last float64) bool {
	if p.Side == model.SideBuy {
		return last >= p.Target
	}
	return last <= p.Target
}

// paperPnL is (exit - entry) x sign x qty x point value.
func paperPnL(p paperPosition, exit, pointValue float64) float64 {
	return (exit - p.Entry) * p.Side.Sign() * float64(p.Qty) * pointValue
}
