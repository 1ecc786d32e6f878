package ta

import (
	"fmt"
	"sync"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"mnq-momentum-trader/internal/model"
)

// TAData holds the rolling OHLC series of completed candles and the latest indicator values.
type TAData struct {
	Symbol string
	Close  []float64
	High   []float64
	Low    []float64

	ATR float64
}

// TACalculator keeps candle history for one interval and recalculates indicators on every close.
type TACalculator struct {
	mu         sync.RWMutex
	data       *TAData
	atrPeriod  int
	maxHistory int
	logger     *zap.Logger
}

// NewTACalculator creates a calculator. ATR needs atrPeriod+1 candles before it is available.
func NewTACalculator(atrPeriod, maxHistory int, logger *zap.Logger) *TACalculator {
	if atrPeriod < 1 {
		atrPeriod = 14
	}
	if maxHistory <= atrPeriod {
		maxHistory = atrPeriod * 4
	}
	return &TACalculator{
		data: &TAData{
			Close: make([]float64, 0, maxHistory),
			High:  make([]float64, 0, maxHistory),
			Low:   make([]float64, 0, maxHistory),
		},
		atrPeriod:  atrPeriod,
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// UpdateCandle appends a completed candle and recalculates.
func (tc *TACalculator) UpdateCandle(c model.Candle) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	d := tc.data
	d.Symbol = c.Symbol
	d.Close = append(d.Close, c.Close)
	d.High = append(d.High, c.High)
	d.Low = append(d.Low, c.Low)

	if len(d.Close) > tc.maxHistory {
		d.Close = d.Close[len(d.Close)-tc.maxHistory:]
		d.High = d.High[len(d.High)-tc.maxHistory:]
		d.Low = d.Low[len(d.Low)-tc.maxHistory:]
	}

	if len(d.Close) <= tc.atrPeriod {
		tc.logger.Debug("Not enough history for ATR", zap.Int("len", len(d.Close)), zap.Int("period", tc.atrPeriod))
		return
	}
	tc.calculate(d)
}

func (tc *TACalculator) calculate(d *TAData) {
	atrResult := talib.Atr(d.High, d.Low, d.Close, tc.atrPeriod)
	d.ATR = atrResult[len(atrResult)-1]
}

// ATR returns the latest ATR, or an error while the history is shorter than period+1 candles.
func (tc *TACalculator) ATR() (float64, error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if len(tc.data.Close) <= tc.atrPeriod {
		return 0, fmt.Errorf("ATR(%d) not available: %d candles of history", tc.atrPeriod, len(tc.data.Close))
	}
	return tc.data.ATR, nil
}

// Len is the number of candles currently held.
func (tc *TACalculator) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.data.Close)
}
