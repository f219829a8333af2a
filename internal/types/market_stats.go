package types

import (
	"slices"
	"strings"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

// MarketBounds are the time windows a market summary is computed over.
type MarketBounds struct {
	// CurrentFrom starts the window that supplies the current price and volume.
	CurrentFrom time.Time
	// HourAgoFrom and HourAgoTo bracket the reference price for the 1h change.
	HourAgoFrom time.Time
	HourAgoTo   time.Time
	// DayAgoFrom and DayAgoTo bracket the reference price for the 24h change.
	DayAgoFrom time.Time
	DayAgoTo   time.Time
	// DayFrom starts the trailing 24h window for high, low and trade counts.
	DayFrom time.Time
	// HourFrom starts the trailing hour used for recent trade activity.
	HourFrom time.Time
}

// NewMarketBounds returns the summary windows ending at now.
func NewMarketBounds(now time.Time) MarketBounds {
	now = now.UTC()

	return MarketBounds{
		CurrentFrom: now.Add(-5 * time.Minute),
		HourAgoFrom: now.Add(-65 * time.Minute),
		HourAgoTo:   now.Add(-time.Hour),
		DayAgoFrom:  now.Add(-(24*time.Hour + 5*time.Minute)),
		DayAgoTo:    now.Add(-24 * time.Hour),
		DayFrom:     now.Add(-24 * time.Hour),
		HourFrom:    now.Add(-time.Hour),
	}
}

// MarketWindow is the raw per-symbol material read from a store. Only
// symbols with a ticker inside the current window have one.
type MarketWindow struct {
	Symbol    Symbol
	Current   decimal.Decimal
	Volume24h decimal.Decimal
	HourAgo   optional.Option[decimal.Decimal]
	DayAgo    optional.Option[decimal.Decimal]
	High24h   optional.Option[decimal.Decimal]
	Low24h    optional.Option[decimal.Decimal]
	Trades24h int64
}

// MarketStats is the per-symbol market summary. Changes are percentages.
type MarketStats struct {
	Symbol       Symbol  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	Change1h     float64 `json:"change_1h"`
	Change24h    float64 `json:"change_24h"`
	Volume24h    float64 `json:"volume_24h"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
	TradesCount  int64   `json:"trades_count"`
}

// Stats summarizes w. A missing reference price reports a zero change and a
// missing high or low falls back to the current price.
func (w MarketWindow) Stats() MarketStats {
	return MarketStats{
		Symbol:       w.Symbol,
		CurrentPrice: w.Current.InexactFloat64(),
		Change1h:     percentChange(w.Current, w.HourAgo),
		Change24h:    percentChange(w.Current, w.DayAgo),
		Volume24h:    w.Volume24h.InexactFloat64(),
		High24h:      w.High24h.TakeOr(w.Current).InexactFloat64(),
		Low24h:       w.Low24h.TakeOr(w.Current).InexactFloat64(),
		TradesCount:  w.Trades24h,
	}
}

// NewMarketStats summarizes every window, highest 24h volume first.
func NewMarketStats(windows []MarketWindow) []MarketStats {
	sorted := slices.Clone(windows)
	slices.SortStableFunc(sorted, func(a, b MarketWindow) int {
		if c := b.Volume24h.Cmp(a.Volume24h); c != 0 {
			return c
		}

		return strings.Compare(string(a.Symbol), string(b.Symbol))
	})

	out := make([]MarketStats, 0, len(sorted))
	for _, w := range sorted {
		out = append(out, w.Stats())
	}

	return out
}

func percentChange(current decimal.Decimal, past optional.Option[decimal.Decimal]) float64 {
	ref, err := past.Take()
	if err != nil || ref.IsZero() {
		return 0
	}

	return current.Sub(ref).Div(ref).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// DataPoints counts the rows a store holds.
type DataPoints struct {
	Tickers int64 `json:"tickers"`
	Trades  int64 `json:"trades"`
	Candles int64 `json:"candles"`
	Total   int64 `json:"total"`
}

// NewDataPoints fills in Total.
func NewDataPoints(tickers, trades, candles int64) DataPoints {
	return DataPoints{
		Tickers: tickers,
		Trades:  trades,
		Candles: candles,
		Total:   tickers + trades + candles,
	}
}

// TradeActivity summarizes recently stored trades.
type TradeActivity struct {
	TradesLastHour int64 `json:"trades_last_hour"`
	// Volume24h is the traded size per symbol over the last 24 hours.
	Volume24h map[Symbol]float64 `json:"volume_24h"`
}
