package service

import (
	"fmt"
	"time"
)

// FormatInterval renders a candle period as a short label such as "1m", "5m" or "1h".
func FormatInterval(d time.Duration) string {
	// hours first
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}

	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}

	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}

	return d.String()
}
