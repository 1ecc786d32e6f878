// Package metrics holds the Prometheus instruments of the trading pipeline.
//
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	quotes          prometheus.Counter
	quotesDropped   prometheus.Counter
	candles         prometheus.Counter
	signals         *prometheus.CounterVec
	riskRejections  *prometheus.CounterVec
	orders          *prometheus.CounterVec
	partialBrackets prometheus.Counter
	reconnects      prometheus.Counter
	renewals        *prometheus.CounterVec
	dailyPnL        prometheus.Gauge
	killSwitch      prometheus.Gauge
	tradesToday     prometheus.Gauge
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		quotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_quotes_total", Help: "Quotes received from the market data stream",
		}),
		quotesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_quotes_dropped_total", Help: "Quotes dropped because the aggregator queue was full",
		}),
		candles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_candles_total", Help: "Completed candles emitted",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total", Help: "Breakout signals by direction",
		}, []string{"direction"}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_rejections_total", Help: "Entries rejected by the risk gate",
		}, []string{"reason"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total", Help: "Broker order requests",
		}, []string{"type", "side", "result"}),
		partialBrackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_partial_brackets_total", Help: "Entries whose protective legs failed to place",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_stream_reconnects_total", Help: "Market data stream reconnects",
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_token_renewals_total", Help: "Access token renewals",
		}, []string{"result"}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_daily_pnl", Help: "Realized P&L for the trading day",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_kill_switch", Help: "1 while the kill switch is set",
		}),
		tradesToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_trades_today", Help: "Entries taken today",
		}),
	}
	reg.MustRegister(m.quotes, m.quotesDropped, m.candles, m.signals, m.riskRejections, m.orders,
		m.partialBrackets, m.reconnects, m.renewals, m.dailyPnL, m.killSwitch, m.tradesToday)
	return m
}

func (m *Metrics) QuoteReceived() {
	if m != nil {
		m.quotes.Inc()
	}
}

func (m *Metrics) QuoteDropped() {
	if m != nil {
		m.quotesDropped.Inc()
	}
}

func (m *Metrics) CandleEmitted() {
	if m != nil {
		m.candles.Inc()
	}
}

func (m *Metrics) SignalEmitted(direction string) {
	if m != nil {
		m.signals.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) RiskRejected(reason string) {
	if m != nil {
		m.riskRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) OrderRequest(orderType, side string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orders.WithLabelValues(orderType, side, result).Inc()
}

func (m *Metrics) PartialBracket() {
	if m != nil {
		m.partialBrackets.Inc()
	}
}

func (m *Metrics) StreamReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) TokenRenewal(result string) {
	if m != nil {
		m.renewals.WithLabelValues(result).Inc()
	}
}

// RiskState publishes the risk gate counters.
func (m *Metrics) RiskState(dailyPnL float64, trades int, killSwitch bool) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(dailyPnL)
	m.tradesToday.Set(float64(trades))
	if killSwitch {
		m.killSwitch.Set(1)
	} else {
		m.killSwitch.Set(0)
	}
}

// Serve exposes g on addr under /metrics. The returned server is already listening in the background.
func Serve(addr string, g prometheus.Gatherer, onErr func(error)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
	return srv
}
