// Package aggregator folds normalized market events into OHLCV candles.
//
// The Aggregator keeps exactly one open candle per (symbol, interval). Candle
// closure is driven by event arrival: an event for a later interval closes the
// open candle before a new one is opened. Flush and FlushIdle close candles
// without a newer event. Closed candles are never mutated again, so an event
// for an interval at or before the last closed boundary is rejected with a
// LateEventError.
//
// An Aggregator is not safe for concurrent use. It is owned by the single
// ingestion goroutine.
package aggregator

import (
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
)

// GapPolicy decides what happens to intervals in which a symbol saw no events.
type GapPolicy string

const (
	// GapPolicySkip emits nothing for a silent interval.
	GapPolicySkip GapPolicy = "skip"
	// GapPolicyFill emits a synthetic zero-volume candle for each silent
	// interval, with OHLC equal to the previous close.
	GapPolicyFill GapPolicy = "fill"
)

const (
	DefaultInterval   = time.Minute
	DefaultMaxGapFill = 1440
)

// Config configures an Aggregator.
type Config struct {
	// Intervals to aggregate. Each symbol gets one open candle per interval.
	Intervals []time.Duration
	// GapPolicy for silent intervals.
	GapPolicy GapPolicy
	// MaxGapFill caps how many synthetic candles a single gap may produce.
	MaxGapFill int
}

type candleKey struct {
	symbol   types.Symbol
	interval time.Duration
}

type series struct {
	open *types.Candle
	// closedThrough is the start of the most recently closed candle.
	closedThrough time.Time
	hasClosed     bool
	lastClose     decimal.Decimal
}

// Aggregator maintains open candles and emits closed ones.
type Aggregator struct {
	intervals  []time.Duration
	gapPolicy  GapPolicy
	maxGapFill int
	series     map[candleKey]*series
}

// New creates an Aggregator. Zero values in cfg fall back to defaults.
func New(cfg Config) *Aggregator {
	intervals := dedupeIntervals(cfg.Intervals)
	if len(intervals) == 0 {
		intervals = []time.Duration{DefaultInterval}
	}

	policy := cfg.GapPolicy
	if policy == "" {
		policy = GapPolicySkip
	}

	maxGapFill := cfg.MaxGapFill
	if maxGapFill <= 0 {
		maxGapFill = DefaultMaxGapFill
	}

	return &Aggregator{
		intervals:  intervals,
		gapPolicy:  policy,
		maxGapFill: maxGapFill,
		series:     make(map[candleKey]*series),
	}
}

// Intervals returns the configured aggregation intervals, shortest first.
func (a *Aggregator) Intervals() []time.Duration {
	return append([]time.Duration(nil), a.intervals...)
}

// Apply folds ev into the open candle of every configured interval and returns
// the candles it closed, in interval-start order per interval.
//
// A late event returns a *errors.LateEventError. When an event is late for one
// interval but not for another, it is still applied where it fits; the
// candles closed along the way are returned together with the error.
func (a *Aggregator) Apply(ev types.Event) ([]types.Candle, error) {
	var (
		closed  []types.Candle
		lateErr error
	)

	for _, interval := range a.intervals {
		out, err := a.applyInterval(ev, interval)
		if err != nil {
			if lateErr == nil {
				lateErr = err
			}

			continue
		}

		closed = append(closed, out...)
	}

	return closed, lateErr
}

func (a *Aggregator) applyInterval(ev types.Event, interval time.Duration) ([]types.Candle, error) {
	key := candleKey{symbol: ev.EventSymbol(), interval: interval}
	start := ev.Time().UTC().Truncate(interval)
	price := ev.Price()

	s, ok := a.series[key]
	if !ok {
		s = &series{open: nil, closedThrough: time.Time{}, hasClosed: false, lastClose: decimal.Zero}
		a.series[key] = s
	}

	if s.open != nil && start.Before(s.open.Start) {
		// The open candle's predecessor interval is closed.
		return nil, errors.NewLateEventError(string(key.symbol), interval, start, s.open.Start.Add(-interval))
	}

	if s.hasClosed && !start.After(s.closedThrough) {
		return nil, errors.NewLateEventError(string(key.symbol), interval, start, s.closedThrough)
	}

	var closed []types.Candle

	if s.open != nil && start.After(s.open.Start) {
		closed = append(closed, a.closeOpen(s)...)
	}

	if s.open == nil {
		closed = append(closed, a.fillGap(key, s, start)...)
		s.open = &types.Candle{
			Symbol:     key.symbol,
			Interval:   interval,
			Start:      start,
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
			Volume:     decimal.Zero,
			TradeCount: 0,
			Synthetic:  false,
		}
	}

	candle := s.open
	candle.Close = price

	if price.GreaterThan(candle.High) {
		candle.High = price
	}

	if price.LessThan(candle.Low) {
		candle.Low = price
	}

	if trade, ok := ev.(types.TradeEvent); ok {
		candle.Volume = candle.Volume.Add(trade.Size)
		candle.TradeCount++
	}

	return closed, nil
}

// closeOpen finalizes the open candle of s and returns it.
func (a *Aggregator) closeOpen(s *series) []types.Candle {
	if s.open == nil {
		return nil
	}

	candle := *s.open
	s.open = nil
	s.closedThrough = candle.Start
	s.hasClosed = true
	s.lastClose = candle.Close

	return []types.Candle{candle}
}

// fillGap emits synthetic candles between the last closed candle and start
// when the gap policy asks for it.
func (a *Aggregator) fillGap(key candleKey, s *series, start time.Time) []types.Candle {
	if a.gapPolicy != GapPolicyFill || !s.hasClosed {
		return nil
	}

	var filled []types.Candle

	for t := s.closedThrough.Add(key.interval); t.Before(start) && len(filled) < a.maxGapFill; t = t.Add(key.interval) {
		filled = append(filled, types.Candle{
			Symbol:     key.symbol,
			Interval:   key.interval,
			Start:      t,
			Open:       s.lastClose,
			High:       s.lastClose,
			Low:        s.lastClose,
			Close:      s.lastClose,
			Volume:     decimal.Zero,
			TradeCount: 0,
			Synthetic:  true,
		})
	}

	if n := len(filled); n > 0 {
		// A capped fill still advances the boundary to the last synthetic candle.
		s.closedThrough = filled[n-1].Start
	}

	return filled
}

// Flush closes every open candle and returns them ordered by symbol, interval
// and start.
func (a *Aggregator) Flush() []types.Candle {
	var closed []types.Candle

	for _, s := range a.series {
		closed = append(closed, a.closeOpen(s)...)
	}

	sortCandles(closed)

	return closed
}

// FlushIdle closes open candles whose interval ended at least grace before now.
// It bounds how long a candle stays open when its symbol goes quiet.
func (a *Aggregator) FlushIdle(now time.Time, grace time.Duration) []types.Candle {
	var closed []types.Candle

	for _, s := range a.series {
		if s.open == nil {
			continue
		}

		if !now.Before(s.open.End().Add(grace)) {
			closed = append(closed, a.closeOpen(s)...)
		}
	}

	sortCandles(closed)

	return closed
}

// Open returns a copy of the open candle for symbol and interval, if any.
func (a *Aggregator) Open(symbol types.Symbol, interval time.Duration) optional.Option[types.Candle] {
	s, ok := a.series[candleKey{symbol: symbol, interval: interval}]
	if !ok || s.open == nil {
		return optional.None[types.Candle]()
	}

	return optional.Some(*s.open)
}

// OpenCount returns the number of open candles.
func (a *Aggregator) OpenCount() int {
	n := 0

	for _, s := range a.series {
		if s.open != nil {
			n++
		}
	}

	return n
}

func sortCandles(candles []types.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		if candles[i].Symbol != candles[j].Symbol {
			return candles[i].Symbol < candles[j].Symbol
		}

		if candles[i].Interval != candles[j].Interval {
			return candles[i].Interval < candles[j].Interval
		}

		return candles[i].Start.Before(candles[j].Start)
	})
}

func dedupeIntervals(in []time.Duration) []time.Duration {
	seen := make(map[time.Duration]struct{}, len(in))
	out := make([]time.Duration, 0, len(in))

	for _, d := range in {
		if d <= 0 {
			continue
		}

		if _, ok := seen[d]; ok {
			continue
		}

		seen[d] = struct{}{}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
