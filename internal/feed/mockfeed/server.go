// Package mockfeed provides an in-process exchange feed for testing.
// It speaks the Coinbase Exchange WebSocket protocol closely enough for the
// feed connection: it waits for a subscribe message, then pushes whatever the
// test broadcasts.
package mockfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Subscription is a subscribe message received from a client.
type Subscription struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Server is a mock exchange feed.
type Server struct {
	mu sync.RWMutex

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	// reject makes the upgrade endpoint answer 503, simulating an unreachable feed.
	reject bool
	// subscribeError, when set, is sent as the reason of an error frame in
	// place of the subscriptions ack.
	subscribeError string
	subscriptions  []Subscription
	connects      int

	wsConnections map[*websocket.Conn]bool
	wsMu          sync.Mutex
}

// NewServer creates a mock feed. Call Start before connecting.
func NewServer() *Server {
	return &Server{
		mu:         sync.RWMutex{},
		httpServer: nil,
		listener:   nil,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		reject:         false,
		subscribeError: "",
		subscriptions:  make([]Subscription, 0),
		connects:       0,
		wsConnections:  make(map[*websocket.Conn]bool),
		wsMu:           sync.Mutex{},
	}
}

// Start starts the mock feed on the given address.
// If address is empty or ":0", a random available port is used.
func (s *Server) Start(address string) error {
	if address == "" {
		address = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			fmt.Printf("mock feed server error: %v\n", err)
		}
	}()

	return nil
}

// Stop closes every client connection and shuts the server down.
func (s *Server) Stop() error {
	s.DropConnections()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WebSocketURL returns the feed URL clients should dial.
func (s *Server) WebSocketURL() string {
	return "ws://" + s.Address() + "/"
}

// SetReject toggles whether new connections are refused.
func (s *Server) SetReject(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// SetSubscribeError makes the feed answer subscribe messages with an error
// frame carrying reason. An empty reason restores the normal ack.
func (s *Server) SetSubscribeError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeError = reason
}

// Subscriptions returns every subscribe message received so far, in order.
func (s *Server) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Subscription, len(s.subscriptions))
	copy(result, s.subscriptions)
	return result
}

// Connects returns how many WebSocket upgrades succeeded.
func (s *Server) Connects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connects
}

// ConnectionCount returns the number of currently subscribed clients.
func (s *Server) ConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConnections)
}

// WaitForSubscriptions blocks until at least n subscriptions were received or timeout elapses.
func (s *Server) WaitForSubscriptions(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Subscriptions()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(s.Subscriptions()) >= n
}

// Broadcast sends a raw payload to every subscribed client.
func (s *Server) Broadcast(payload []byte) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for conn := range s.wsConnections {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.wsConnections, conn)
		}
	}
}

// DropConnections abruptly closes every client connection, simulating a transport drop.
func (s *Server) DropConnections() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for conn := range s.wsConnections {
		conn.Close()
	}
	s.wsConnections = make(map[*websocket.Conn]bool)
}

// handleWebSocket upgrades the connection, waits for the subscription and
// then holds the connection open until either side closes it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reject := s.reject
	s.mu.RUnlock()

	if reject {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.connects++
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sub Subscription
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.RLock()
	subscribeError := s.subscribeError
	s.mu.RUnlock()

	if subscribeError != "" {
		reply, _ := json.Marshal(map[string]any{
			"type":    "error",
			"message": "Failed to subscribe",
			"reason":  subscribeError,
		})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		return
	}

	ack, _ := json.Marshal(map[string]any{
		"type": "subscriptions",
		"channels": []map[string]any{
			{"name": "ticker", "product_ids": sub.ProductIDs},
		},
	})

	s.wsMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, ack)
	s.wsConnections[conn] = true
	s.wsMu.Unlock()

	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConnections, conn)
		s.wsMu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// TickerMessage builds a ticker-channel payload.
func TickerMessage(symbol, price string, at time.Time) []byte {
	return TickerMessageWithBook(symbol, price, price, price, "1000", at)
}

// TickerMessageWithBook builds a ticker-channel payload with explicit book and volume.
func TickerMessageWithBook(symbol, price, bid, ask, volume string, at time.Time) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":       "ticker",
		"product_id": symbol,
		"price":      price,
		"best_bid":   bid,
		"best_ask":   ask,
		"volume_24h": volume,
		"time":       at.UTC().Format(time.RFC3339Nano),
	})
	return payload
}

// MatchMessage builds a matches-channel payload.
func MatchMessage(symbol, price, size, side string, tradeID int64, at time.Time) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":       "match",
		"product_id": symbol,
		"price":      price,
		"size":       size,
		"side":       side,
		"trade_id":   tradeID,
		"time":       at.UTC().Format(time.RFC3339Nano),
		"sequence":   tradeID,
	})
	return payload
}
