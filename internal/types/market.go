package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an exchange product identifier such as "BTC-USD".
type Symbol string

// DefaultSymbols are the trading pairs streamed when none are configured.
var DefaultSymbols = []Symbol{
	"BTC-USD",
	"ETH-USD",
	"SOL-USD",
	"LINK-USD",
	"MATIC-USD",
	"AVAX-USD",
	"DOT-USD",
	"ADA-USD",
}

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Event is a normalized market-data event consumed by the aggregator.
type Event interface {
	EventSymbol() Symbol
	// Time is the event time reported by the exchange, in UTC.
	Time() time.Time
	// Price is the price the aggregator folds into the open candle.
	Price() decimal.Decimal
}

// TickerEvent is a top-of-book and last price update for one symbol.
type TickerEvent struct {
	Symbol    Symbol          `json:"symbol" yaml:"symbol"`
	BestBid   decimal.Decimal `json:"best_bid" yaml:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask" yaml:"best_ask"`
	LastPrice decimal.Decimal `json:"last_price" yaml:"last_price"`
	Volume24h decimal.Decimal `json:"volume_24h" yaml:"volume_24h"`
	EventTime time.Time       `json:"event_time" yaml:"event_time"`
}

func (t TickerEvent) EventSymbol() Symbol    { return t.Symbol }
func (t TickerEvent) Time() time.Time        { return t.EventTime }
func (t TickerEvent) Price() decimal.Decimal { return t.LastPrice }

// Spread is best ask minus best bid.
func (t TickerEvent) Spread() decimal.Decimal {
	return t.BestAsk.Sub(t.BestBid)
}

// TradeEvent is a single execution reported by the exchange.
type TradeEvent struct {
	Symbol     Symbol          `json:"symbol" yaml:"symbol"`
	TradePrice decimal.Decimal `json:"price" yaml:"price"`
	Size       decimal.Decimal `json:"size" yaml:"size"`
	Side       Side            `json:"side" yaml:"side"`
	// TradeID is monotonic per symbol and used for de-duplication.
	TradeID   int64     `json:"trade_id" yaml:"trade_id"`
	EventTime time.Time `json:"event_time" yaml:"event_time"`
}

func (t TradeEvent) EventSymbol() Symbol    { return t.Symbol }
func (t TradeEvent) Time() time.Time        { return t.EventTime }
func (t TradeEvent) Price() decimal.Decimal { return t.TradePrice }

var (
	_ Event = TickerEvent{}
	_ Event = TradeEvent{}
)
