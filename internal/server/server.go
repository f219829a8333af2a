// Package server exposes the pipeline over HTTP: a WebSocket endpoint that
// registers subscribers with the hub, plus health, price, candle and market
// summary endpoints.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/market-stream/internal/hub"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/pipeline"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultAddress           = ":8000"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultCandleLimit       = 60
	DefaultMaxCandleLimit    = 1000
	maxClientMessage         = 4096
)

// Config configures a Server.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// PingInterval is how often idle clients are pinged. A client that does
	// not answer within two intervals is disconnected.
	PingInterval   time.Duration
	MaxCandleLimit int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = DefaultAddress
	}

	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}

	if c.MaxCandleLimit <= 0 {
		c.MaxCandleLimit = DefaultMaxCandleLimit
	}

	return c
}

// Registry is the subscriber side of the hub. *hub.Hub implements it.
type Registry interface {
	Register(session hub.Session, initial ...types.Message) (uuid.UUID, error)
	Unregister(id uuid.UUID)
	Count() int
	LastActivity(id uuid.UUID) (time.Time, bool)
}

// Pipeline is the read side of the running pipeline. *pipeline.Engine
// implements it.
type Pipeline interface {
	Greeting() types.Message
	Prices() *pipeline.PriceBook
	Stats() types.PipelineStats
	FeedState() types.FeedState
}

// Readers are the store-backed read sides. Either may be nil, in which case
// the endpoints it serves report that no store is configured.
type Readers struct {
	Candles sink.CandleReader
	Market  sink.MarketReader
}

// Server serves the HTTP surface.
type Server struct {
	config   Config
	registry Registry
	pipeline Pipeline
	readers  Readers
	upgrader websocket.Upgrader
	router   *mux.Router
	log      *logger.Logger
	now      func() time.Time
}

// New creates a Server.
func New(config Config, registry Registry, p Pipeline, readers Readers, log *logger.Logger) *Server {
	s := &Server{
		config:   config.withDefaults(),
		registry: registry,
		pipeline: p,
		readers:  readers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		router: mux.NewRouter(),
		log:    log.Named("server"),
		now:    time.Now,
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/prices", s.handlePrices).Methods(http.MethodGet)
	s.router.HandleFunc("/api/candles/{symbol}", s.handleCandles).Methods(http.MethodGet)
	s.router.HandleFunc("/api/market-stats", s.handleMarketStats).Methods(http.MethodGet)
	s.router.HandleFunc("/api/data-points", s.handleDataPoints).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to listen on %s", s.config.Address)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then shuts down within
// ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	s.log.Info("HTTP server listening", zap.String("address", listener.Addr().String()))

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return errors.Wrap(errors.ErrCodeUnknown, "http server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(errors.ErrCodeUnknown, "http server shutdown failed", err)
	}

	s.log.Info("HTTP server stopped")

	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(conn)

	id, err := s.registry.Register(session, s.pipeline.Greeting())
	if err != nil {
		s.log.Warn("Rejecting subscriber", zap.Error(err))
		_ = session.Close()

		return
	}

	s.log.Info("Subscriber connected", zap.String("id", id.String()), zap.String("remote", r.RemoteAddr))

	stopPing := make(chan struct{})
	go s.keepAlive(session, stopPing)

	s.readPump(conn)

	close(stopPing)

	fields := []zap.Field{zap.String("id", id.String())}
	if last, ok := s.registry.LastActivity(id); ok {
		fields = append(fields, zap.Time("last_delivery", last))
	}

	s.registry.Unregister(id)
	_ = session.Close()

	s.log.Info("Subscriber disconnected", fields...)
}

// readPump discards client input until the connection fails or the client
// stops answering pings.
func (s *Server) readPump(conn *websocket.Conn) {
	wait := 2 * s.config.PingInterval

	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}

func (s *Server) keepAlive(session *wsSession, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := session.ping(s.config.PingInterval); err != nil {
				return
			}
		}
	}
}

type healthResponse struct {
	Status           string              `json:"status"`
	Feed             types.FeedState     `json:"feed"`
	ConnectedClients int                 `json:"connected_clients"`
	Stats            types.PipelineStats `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	feed := s.pipeline.FeedState()

	status := "healthy"
	if feed != types.FeedStateSubscribed {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:           status,
		Feed:             feed,
		ConnectedClients: s.registry.Count(),
		Stats:            s.pipeline.Stats(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Prices().Snapshot())
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	if s.readers.Candles == nil {
		writeError(w, http.StatusServiceUnavailable, "no candle store configured")
		return
	}

	symbol := types.Symbol(mux.Vars(r)["symbol"])

	limitErr := "limit must be between 1 and " + strconv.Itoa(s.config.MaxCandleLimit)

	if err := queryIntErr(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, limitErr)
		return
	}

	limit := queryInt(r, "limit").TakeOr(DefaultCandleLimit)
	if limit <= 0 || limit > s.config.MaxCandleLimit {
		writeError(w, http.StatusBadRequest, limitErr)
		return
	}

	interval := time.Minute

	if label := r.URL.Query().Get("interval"); label != "" {
		var err error

		interval, err = types.ParseIntervalLabel(label)
		if err != nil || interval <= 0 {
			writeError(w, http.StatusBadRequest, "invalid interval "+strconv.Quote(label))
			return
		}
	}

	candles, err := s.readers.Candles.RecentCandles(r.Context(), symbol, interval, limit)
	if err != nil {
		s.log.Warn("Failed to read candles", zap.String("symbol", string(symbol)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read candles")

		return
	}

	out := make([]types.CandleData, 0, len(candles))
	for _, c := range candles {
		out = append(out, types.NewCandleData(c))
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarketStats(w http.ResponseWriter, r *http.Request) {
	if s.readers.Market == nil {
		writeError(w, http.StatusServiceUnavailable, "no market store configured")
		return
	}

	windows, err := s.readers.Market.MarketWindows(r.Context(), s.now())
	if err != nil {
		s.log.Warn("Failed to read market stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read market stats")

		return
	}

	writeJSON(w, http.StatusOK, types.NewMarketStats(windows))
}

func (s *Server) handleDataPoints(w http.ResponseWriter, r *http.Request) {
	if s.readers.Market == nil {
		writeError(w, http.StatusServiceUnavailable, "no market store configured")
		return
	}

	points, err := s.readers.Market.DataPoints(r.Context())
	if err != nil {
		s.log.Warn("Failed to count data points", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count data points")

		return
	}

	s.log.Debug("Data points counted",
		zap.Int64("tickers", points.Tickers),
		zap.Int64("trades", points.Trades),
		zap.Int64("candles", points.Candles),
	)

	writeJSON(w, http.StatusOK, points)
}

type statsResponse struct {
	TradesLastHour int64                             `json:"trades_last_hour"`
	LatestPrices   map[types.Symbol]types.TickerData `json:"latest_prices"`
	Volume24h      map[types.Symbol]float64          `json:"volume_24h"`
}

// handleStats reports stored trade activity next to the live prices.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.readers.Market == nil {
		writeError(w, http.StatusServiceUnavailable, "no market store configured")
		return
	}

	activity, err := s.readers.Market.TradeActivity(r.Context(), s.now())
	if err != nil {
		s.log.Warn("Failed to read trade activity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read trade activity")

		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		TradesLastHour: activity.TradesLastHour,
		LatestPrices:   s.pipeline.Prices().Snapshot(),
		Volume24h:      activity.Volume24h,
	})
}

// queryInt returns the named query parameter when it is present and numeric.
func queryInt(r *http.Request, name string) optional.Option[int] {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return optional.None[int]()
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return optional.None[int]()
	}

	return optional.Some(n)
}

// queryIntErr reports a present but non-numeric query parameter.
func queryIntErr(r *http.Request, name string) error {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}

	if _, err := strconv.Atoi(raw); err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "%s is not a number", name)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
