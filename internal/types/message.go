package types

import (
	"time"
)

// MessageType tags an outbound message. Consumers must ignore types they do not know.
type MessageType string

const (
	MessageTypeTicker    MessageType = "ticker"
	MessageTypeTrade     MessageType = "trade"
	MessageTypeCandle    MessageType = "candle"
	MessageTypeStatus    MessageType = "status"
	MessageTypeConnected MessageType = "connected"
)

// Message is the wire envelope pushed to every subscriber:
//
//	{"type": "ticker", "data": {...}}
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// TickerData is the data object of a ticker message.
type TickerData struct {
	Symbol Symbol    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Volume float64   `json:"volume"`
	Spread float64   `json:"spread"`
	Time   time.Time `json:"time"`
}

// TradeData is the data object of a trade message.
type TradeData struct {
	Symbol  Symbol    `json:"symbol"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Side    Side      `json:"side"`
	TradeID int64     `json:"trade_id"`
	Time    time.Time `json:"time"`
}

// CandleData is the data object of a candle message.
type CandleData struct {
	Symbol     Symbol    `json:"symbol"`
	Interval   string    `json:"interval"`
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	Synthetic  bool      `json:"synthetic"`
}

// StatusData is the data object of a status message.
type StatusData struct {
	Feed FeedState `json:"feed"`
}

// ConnectedData is sent once to a subscriber right after it registers.
type ConnectedData struct {
	Message string                `json:"message"`
	Feed    FeedState             `json:"feed"`
	Prices  map[Symbol]TickerData `json:"prices"`
}

// NewTickerData converts a ticker event to its wire representation.
func NewTickerData(t TickerEvent) TickerData {
	return TickerData{
		Symbol: t.Symbol,
		Price:  t.LastPrice.InexactFloat64(),
		Bid:    t.BestBid.InexactFloat64(),
		Ask:    t.BestAsk.InexactFloat64(),
		Volume: t.Volume24h.InexactFloat64(),
		Spread: t.Spread().InexactFloat64(),
		Time:   t.EventTime,
	}
}

// NewTickerMessage wraps a ticker event.
func NewTickerMessage(t TickerEvent) Message {
	return Message{Type: MessageTypeTicker, Data: NewTickerData(t)}
}

// NewTradeMessage wraps a trade event.
func NewTradeMessage(t TradeEvent) Message {
	return Message{
		Type: MessageTypeTrade,
		Data: TradeData{
			Symbol:  t.Symbol,
			Price:   t.TradePrice.InexactFloat64(),
			Size:    t.Size.InexactFloat64(),
			Side:    t.Side,
			TradeID: t.TradeID,
			Time:    t.EventTime,
		},
	}
}

// NewCandleData converts a closed candle to its wire representation.
func NewCandleData(c Candle) CandleData {
	return CandleData{
		Symbol:     c.Symbol,
		Interval:   IntervalLabel(c.Interval),
		Time:       c.Start,
		Open:       c.Open.InexactFloat64(),
		High:       c.High.InexactFloat64(),
		Low:        c.Low.InexactFloat64(),
		Close:      c.Close.InexactFloat64(),
		Volume:     c.Volume.InexactFloat64(),
		TradeCount: c.TradeCount,
		Synthetic:  c.Synthetic,
	}
}

// NewCandleMessage wraps a closed candle.
func NewCandleMessage(c Candle) Message {
	return Message{Type: MessageTypeCandle, Data: NewCandleData(c)}
}

// NewStatusMessage announces a feed state change.
func NewStatusMessage(state FeedState) Message {
	return Message{Type: MessageTypeStatus, Data: StatusData{Feed: state}}
}

// NewConnectedMessage greets a new subscriber with the latest known prices.
func NewConnectedMessage(state FeedState, prices map[Symbol]TickerData) Message {
	if prices == nil {
		prices = map[Symbol]TickerData{}
	}

	return Message{
		Type: MessageTypeConnected,
		Data: ConnectedData{
			Message: "connected to market stream",
			Feed:    state,
			Prices:  prices,
		},
	}
}
