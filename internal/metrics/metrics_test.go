package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.QuoteReceived()
		m.OrderRequest("Market", "Buy", errors.New("x"))
		m.RiskState(-10, 1, true)
	})
}

func TestCountersAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QuoteReceived()
	m.QuoteReceived()
	m.RiskRejected("MAX_SIZE")
	m.OrderRequest("Stop", "Sell", nil)
	m.OrderRequest("Stop", "Sell", errors.New("boom"))
	m.RiskState(-300, 2, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.quotes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskRejections.WithLabelValues("MAX_SIZE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("Stop", "Sell", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("Stop", "Sell", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.killSwitch))
	assert.Equal(t, -300.0, testutil.ToFloat64(m.dailyPnL))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["trader_quotes_total"])
	assert.True(t, names["trader_kill_switch"])
}
