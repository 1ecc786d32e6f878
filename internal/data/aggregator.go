package data

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/internal/service"
)

// ErrQueueFull is returned by Enqueue when the aggregator is not keeping up with the stream.
var ErrQueueFull = errors.New("quote queue full")

// CandleAggregator builds one candle per interval from the quote stream.
//
// A candle opens on the first quote of an interval and is sealed when the interval timer fires.
// Intervals without quotes produce nothing.
type CandleAggregator struct {
	mu         sync.Mutex
	symbol     string
	contractID int64 // learned from the first quote when zero
	interval   time.Duration
	label      string
	current    *model.Candle // nil while no candle is open
	lastEnd    time.Time

	inChan  chan model.Quote
	outChan chan model.Candle

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCandleAggregator creates an aggregator with a bounded input queue of bufSize quotes.
func NewCandleAggregator(symbol string, interval time.Duration, bufSize int, logger *zap.Logger, m *metrics.Metrics) *CandleAggregator {
	if bufSize <= 0 {
		bufSize = 1024
	}
	label := service.FormatInterval(interval)
	return &CandleAggregator{
		symbol:   symbol,
		interval: interval,
		label:    label,
		inChan:   make(chan model.Quote, bufSize),
		outChan:  make(chan model.Candle, 16),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "aggregator"), zap.String("Interval", label)),
		metrics:  m,
	}
}

// Candles is the stream of sealed candles, one per interval that saw at least one quote.
func (agg *CandleAggregator) Candles() <-chan model.Candle {
	return agg.outChan
}

// Enqueue hands a quote to the aggregation goroutine without blocking the caller.
func (agg *CandleAggregator) Enqueue(q model.Quote) error {
	select {
	case agg.inChan <- q:
		return nil
	default:
		agg.metrics.QuoteDropped()
		agg.logger.Warn("Quote queue full! Dropping quote.", zap.Int64("ContractID", q.ContractID))
		return ErrQueueFull
	}
}

// Run owns the accumulator: it applies queued quotes and seals the candle on every tick of the
// interval timer. It returns when ctx is cancelled.
func (agg *CandleAggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(agg.interval)
	defer ticker.Stop()
	return agg.RunWithTicks(ctx, ticker.C)
}

// RunWithTicks is Run driven by an external clock: every value received on ticks closes the
// current interval.
func (agg *CandleAggregator) RunWithTicks(ctx context.Context, ticks <-chan time.Time) error {
	agg.logger.Info("CandleAggregator started", zap.String("Symbol", agg.symbol))
	for {
		select {
		case <-ctx.Done():
			agg.logger.Info("CandleAggregator stopped", zap.String("Symbol", agg.symbol))
			return ctx.Err()
		case q := <-agg.inChan:
			agg.OnQuote(q)
		case <-ticks:
			agg.drain()
			candle, ok := agg.OnIntervalElapsed()
			if !ok {
				continue
			}
			select {
			case agg.outChan <- candle:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// drain applies quotes already queued so they land in the interval they arrived in.
func (agg *CandleAggregator) drain() {
	for {
		select {
		case q := <-agg.inChan:
			agg.OnQuote(q)
		default:
			return
		}
	}
}

// OnQuote folds a quote into the open candle, opening one if needed.
func (agg *CandleAggregator) OnQuote(q model.Quote) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.contractID == 0 {
		agg.contractID = q.ContractID
	} else if q.ContractID != agg.contractID {
		agg.logger.Debug("Ignoring quote for another contract", zap.Int64("ContractID", q.ContractID))
		return
	}
	if q.Last <= 0 {
		return
	}

	if agg.current == nil {
		start := q.Timestamp
		if start.IsZero() {
			start = agg.now()
		}
		agg.current = &model.Candle{
			Symbol:     agg.symbol,
			ContractID: q.ContractID,
			Interval:   agg.label,
			Open:       q.Last,
			High:       q.Last,
			Low:        q.Last,
			Close:      q.Last,
			Volume:     q.Volume,
			StartTime:  start,
		}
		return
	}

	agg.current.High = math.Max(agg.current.High, q.Last)
	agg.current.Low = math.Min(agg.current.Low, q.Last)
	agg.current.Close = q.Last
	agg.current.Volume = q.Volume // the feed reports cumulative volume
}

// Current returns a copy of the candle under construction.
func (agg *CandleAggregator) Current() (model.Candle, bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	if agg.current == nil {
		return model.Candle{}, false
	}
	return *agg.current, true
}

// OnIntervalElapsed seals and returns the open candle, clearing the accumulator.
// It reports false when no quote arrived during the interval.
func (agg *CandleAggregator) OnIntervalElapsed() (model.Candle, bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.current == nil {
		return model.Candle{}, false
	}

	completed := *agg.current
	agg.current = nil

	end := agg.now()
	if !end.After(agg.lastEnd) {
		// keep emitted timestamps strictly increasing even with a coarse clock
		end = agg.lastEnd.Add(time.Nanosecond)
	}
	completed.EndTime = end
	completed.Complete = true
	agg.lastEnd = end

	agg.metrics.CandleEmitted()
	agg.logger.Info(completed.String(), zap.String("Symbol", completed.Symbol), zap.Time("End", end))
	return completed, true
}
