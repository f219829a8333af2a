// Package feed maintains the resilient WebSocket link to the upstream exchange feed.
//
// A Connection walks the state machine
//
//	Disconnected -> Connecting -> Subscribed -> Connecting (on drop) -> ...
//
// and only reaches Stopped when the caller shuts it down. Connectivity
// failures are logged and retried after a fixed delay; they are never
// returned to the caller.
package feed

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

// closeGracePeriod bounds the close handshake sent on shutdown.
const closeGracePeriod = time.Second

// OnStateChange is called synchronously from the stream goroutine on every transition.
type OnStateChange func(state types.FeedState)

// Connection is one logical connection to the exchange feed.
type Connection struct {
	config Config
	dialer *websocket.Dialer
	log    *logger.Logger

	mu            sync.RWMutex
	state         types.FeedState
	onStateChange OnStateChange

	reconnects atomic.Int64
}

// NewConnection creates a Connection in the Disconnected state.
func NewConnection(config Config, log *logger.Logger) *Connection {
	cfg := config.withDefaults()

	return &Connection{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:           log.Named("feed"),
		mu:            sync.RWMutex{},
		state:         types.FeedStateDisconnected,
		onStateChange: nil,
		reconnects:    atomic.Int64{},
	}
}

// OnStateChange registers an observer for state transitions. It must be
// called before Stream.
func (c *Connection) OnStateChange(fn OnStateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onStateChange = fn
}

// State returns the current connection state.
func (c *Connection) State() types.FeedState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Reconnects returns how many times the connection has re-entered Connecting
// after the first attempt.
func (c *Connection) Reconnects() int64 {
	return c.reconnects.Load()
}

// Stream returns the inbound payload sequence. The sequence only ends when ctx
// is cancelled or the consumer stops ranging; either way the transport is closed
// and the connection moves to Stopped.
func (c *Connection) Stream(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer c.setState(types.FeedStateStopped)

		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				c.reconnects.Add(1)
				c.setState(types.FeedStateConnecting)

				select {
				case <-ctx.Done():
					return
				case <-time.After(c.config.ReconnectDelay):
				}
			}

			if ctx.Err() != nil {
				return
			}

			c.setState(types.FeedStateConnecting)

			conn, pending, err := c.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				c.log.Warn("Feed connection failed, retrying",
					zap.String("url", c.config.URL),
					zap.Duration("delay", c.config.ReconnectDelay),
					zap.Error(err),
				)

				continue
			}

			c.setState(types.FeedStateSubscribed)
			c.log.Info("Subscribed to feed",
				zap.String("url", c.config.URL),
				zap.Int("symbols", len(c.config.Symbols)),
				zap.Strings("channels", c.config.Channels),
			)

			if !c.consume(ctx, conn, pending, yield) {
				return
			}
		}
	}
}

// connect dials the feed, sends the subscription and waits up to
// HandshakeTimeout for the exchange to acknowledge it. Frames read while
// waiting, the ack included, are returned so the consumer still sees them.
func (c *Connection) connect(ctx context.Context) (*websocket.Conn, [][]byte, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeFeedConnectFailed, "failed to dial feed", err)
	}

	sub := NewSubscribeRequest(c.config.Symbols, c.config.Channels)

	_ = conn.SetWriteDeadline(time.Now().Add(c.config.HandshakeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()

		return nil, nil, errors.Wrap(errors.ErrCodeFeedSubscribeFailed, "failed to send subscription", err)
	}

	_ = conn.SetWriteDeadline(time.Time{})

	pending, err := c.awaitAck(ctx, conn)
	if err != nil {
		conn.Close()

		return nil, nil, err
	}

	return conn, pending, nil
}

// awaitAck reads until the subscriptions frame arrives. An error frame means
// the exchange rejected the subscription.
func (c *Connection) awaitAck(ctx context.Context, conn *websocket.Conn) ([][]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var pending [][]byte

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeFeedSubscribeFailed, "no subscription ack from feed", err)
		}

		var frame handshakeFrame
		if json.Unmarshal(payload, &frame) != nil {
			pending = append(pending, payload)

			continue
		}

		switch frame.Type {
		case "subscriptions":
			return append(pending, payload), nil
		case "error":
			return nil, errors.Newf(errors.ErrCodeFeedSubscribeFailed,
				"feed rejected subscription: %s: %s", frame.Message, frame.Reason)
		default:
			pending = append(pending, payload)
		}
	}
}

type handshakeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// consume yields pending and then reads from conn until it fails, ctx ends or
// the consumer stops. It reports whether the stream should reconnect.
func (c *Connection) consume(ctx context.Context, conn *websocket.Conn, pending [][]byte, yield func([]byte) bool) bool {
	stop := context.AfterFunc(ctx, func() {
		closeGracefully(conn)
	})
	defer stop()
	defer conn.Close()

	for _, payload := range pending {
		if !yield(payload) {
			closeGracefully(conn)

			return false
		}
	}

	for {
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}

			c.log.Warn("Feed connection dropped, reconnecting",
				zap.String("url", c.config.URL),
				zap.Error(errors.Wrap(errors.ErrCodeFeedReadFailed, "failed to read from feed", err)),
			)

			return true
		}

		if !yield(payload) {
			closeGracefully(conn)

			return false
		}
	}
}

func (c *Connection) setState(state types.FeedState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()

		return
	}

	previous := c.state
	c.state = state
	observer := c.onStateChange
	c.mu.Unlock()

	c.log.Debug("Feed state changed",
		zap.String("from", string(previous)),
		zap.String("to", string(state)),
	)

	if observer != nil {
		observer(state)
	}
}

// closeGracefully sends a close frame and closes the socket. Safe to call
// concurrently with a blocked read.
func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	_ = conn.Close()
}
