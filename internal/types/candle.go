package types

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV bar for one symbol over one aligned interval.
// A candle handed out by the aggregator is closed and must not be mutated.
type Candle struct {
	Symbol     Symbol          `json:"symbol" yaml:"symbol"`
	Interval   time.Duration   `json:"interval" yaml:"interval"`
	Start      time.Time       `json:"start" yaml:"start"`
	Open       decimal.Decimal `json:"open" yaml:"open"`
	High       decimal.Decimal `json:"high" yaml:"high"`
	Low        decimal.Decimal `json:"low" yaml:"low"`
	Close      decimal.Decimal `json:"close" yaml:"close"`
	Volume     decimal.Decimal `json:"volume" yaml:"volume"`
	TradeCount int64           `json:"trade_count" yaml:"trade_count"`
	// Synthetic marks a zero-volume candle emitted for an interval with no events.
	Synthetic bool `json:"synthetic" yaml:"synthetic"`
}

// End returns the exclusive end of the candle's interval.
func (c Candle) End() time.Time {
	return c.Start.Add(c.Interval)
}

// IntervalLabel formats the interval the way the exchange UI labels it ("1m", "5m", "1h").
func IntervalLabel(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return formatInt(int64(d/(24*time.Hour))) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return formatInt(int64(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return formatInt(int64(d/time.Minute)) + "m"
	default:
		return formatInt(int64(d/time.Second)) + "s"
	}
}

// ParseIntervalLabel is the inverse of IntervalLabel. It also accepts Go duration strings.
func ParseIntervalLabel(label string) (time.Duration, error) {
	if n := len(label); n > 1 && label[n-1] == 'd' {
		days, err := time.ParseDuration(label[:n-1] + "h")
		if err != nil {
			return 0, err
		}

		return days * 24, nil
	}

	return time.ParseDuration(label)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// RecordKind identifies what a persistence Record carries.
type RecordKind string

const (
	RecordKindTicker RecordKind = "ticker"
	RecordKindTrade  RecordKind = "trade"
	RecordKindCandle RecordKind = "candle"
)

// Record is the unit handed to a persistence sink. Exactly one of the
// pointer fields is set, matching Kind.
type Record struct {
	Kind   RecordKind
	Ticker *TickerEvent
	Trade  *TradeEvent
	Candle *Candle
}

// TickerRecord wraps a ticker event for persistence.
func TickerRecord(t TickerEvent) Record {
	return Record{Kind: RecordKindTicker, Ticker: &t, Trade: nil, Candle: nil}
}

// TradeRecord wraps a trade event for persistence.
func TradeRecord(t TradeEvent) Record {
	return Record{Kind: RecordKindTrade, Ticker: nil, Trade: &t, Candle: nil}
}

// CandleRecord wraps a closed candle for persistence.
func CandleRecord(c Candle) Record {
	return Record{Kind: RecordKindCandle, Ticker: nil, Trade: nil, Candle: &c}
}
