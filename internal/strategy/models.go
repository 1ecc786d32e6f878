package strategy

import (
	"math"

	"mnq-momentum-trader/internal/model"
)

// Config holds the breakout parameters.
type Config struct {
	Threshold    float64 // minimum close-to-close move in points
	RiskMultiple float64 // target distance in units of R
	History      int     // completed candles kept for the detector and ATR
	ATRPeriod    int
}

// CalculateTarget returns entry moved riskMultiple x |entry - stop| in the signal's favour.
func CalculateTarget(entry, stop float64, dir model.Side, riskMultiple float64) float64 {
	risk := math.Abs(entry - stop)
	return entry + dir.Sign()*riskMultiple*risk
}
