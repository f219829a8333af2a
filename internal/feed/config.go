package feed

import (
	"time"

	"github.com/rxtech-lab/market-stream/internal/types"
)

const (
	// DefaultURL is the public Coinbase Exchange WebSocket feed.
	DefaultURL = "wss://ws-feed.exchange.coinbase.com"

	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
)

// DefaultChannels are the feed channels carrying ticker and trade updates.
var DefaultChannels = []string{"ticker", "matches"}

// Config configures a feed Connection.
type Config struct {
	// URL of the WebSocket feed.
	URL string
	// Symbols to subscribe to. Every reconnect re-sends the full set.
	Symbols []types.Symbol
	// Channels to subscribe to.
	Channels []string
	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds the dial and the subscription write.
	HandshakeTimeout time.Duration
	// ReadTimeout is how long the connection may stay silent before it is
	// considered dead. Zero means DefaultReadTimeout, negative disables it.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}

	if len(c.Symbols) == 0 {
		c.Symbols = types.DefaultSymbols
	}

	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}

	return c
}

// SubscribeRequest is the subscription message sent after every connect.
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// NewSubscribeRequest builds the subscription for the given symbols and channels.
func NewSubscribeRequest(symbols []types.Symbol, channels []string) SubscribeRequest {
	productIDs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		productIDs = append(productIDs, string(s))
	}

	return SubscribeRequest{
		Type:       "subscribe",
		ProductIDs: productIDs,
		Channels:   append([]string(nil), channels...),
	}
}
