package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/market-stream/internal/hub"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/pipeline"
	"github.com/rxtech-lab/market-stream/internal/server"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

type fakePipeline struct {
	prices *pipeline.PriceBook
	feed   types.FeedState
}

func (p *fakePipeline) Greeting() types.Message {
	return types.NewConnectedMessage(p.feed, p.prices.Snapshot())
}

func (p *fakePipeline) Prices() *pipeline.PriceBook { return p.prices }
func (p *fakePipeline) FeedState() types.FeedState  { return p.feed }

func (p *fakePipeline) Stats() types.PipelineStats {
	return types.PipelineStats{FeedState: p.feed, Ingest: types.IngestStats{Messages: 42}}
}

type wireMessage struct {
	Type types.MessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

type ServerTestSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	candles  *mocks.MockCandleReader
	market   *mocks.MockMarketReader
	hub      *hub.Hub
	pipeline *fakePipeline
	server   *server.Server
	http     *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
	suite.candles = mocks.NewMockCandleReader(suite.ctrl)
	suite.market = mocks.NewMockMarketReader(suite.ctrl)
	suite.hub = hub.New(hub.Config{QueueCapacity: 10}, logger.NewNopLogger())
	suite.pipeline = &fakePipeline{prices: pipeline.NewPriceBook(), feed: types.FeedStateSubscribed}
	suite.server = server.New(server.Config{}, suite.hub, suite.pipeline,
		server.Readers{Candles: suite.candles, Market: suite.market}, logger.NewNopLogger())
	suite.http = httptest.NewServer(suite.server.Handler())
}

func (suite *ServerTestSuite) TearDownTest() {
	suite.http.Close()
	suite.NoError(suite.hub.Close(context.Background()))
	suite.ctrl.Finish()
}

func (suite *ServerTestSuite) get(path string) (*http.Response, []byte) {
	resp, err := http.Get(suite.http.URL + path)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	var body json.RawMessage
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))

	return resp, body
}

func (suite *ServerTestSuite) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(suite.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	suite.Require().NoError(err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	return conn
}

func (suite *ServerTestSuite) read(conn *websocket.Conn) wireMessage {
	var msg wireMessage
	suite.Require().NoError(conn.ReadJSON(&msg))

	return msg
}

func (suite *ServerTestSuite) TestHealth() {
	resp, body := suite.get("/health")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal("application/json", resp.Header.Get("Content-Type"))

	var health struct {
		Status           string              `json:"status"`
		Feed             types.FeedState     `json:"feed"`
		ConnectedClients int                 `json:"connected_clients"`
		Stats            types.PipelineStats `json:"stats"`
	}
	suite.Require().NoError(json.Unmarshal(body, &health))
	suite.Equal("healthy", health.Status)
	suite.Equal(types.FeedStateSubscribed, health.Feed)
	suite.Equal(0, health.ConnectedClients)
	suite.Equal(int64(42), health.Stats.Ingest.Messages)

	suite.pipeline.feed = types.FeedStateConnecting
	_, body = suite.get("/health")
	suite.Require().NoError(json.Unmarshal(body, &health))
	suite.Equal("degraded", health.Status)
}

func (suite *ServerTestSuite) TestPrices() {
	suite.pipeline.prices.Update(types.TickerEvent{
		Symbol: "BTC-USD", BestBid: decimal.NewFromInt(41999), BestAsk: decimal.NewFromInt(42001),
		LastPrice: decimal.NewFromInt(42000), Volume24h: decimal.NewFromInt(12),
		EventTime: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	})

	resp, body := suite.get("/api/prices")
	suite.Equal(http.StatusOK, resp.StatusCode)

	var prices map[types.Symbol]types.TickerData
	suite.Require().NoError(json.Unmarshal(body, &prices))
	suite.Require().Contains(prices, types.Symbol("BTC-USD"))
	suite.Equal(42000.0, prices["BTC-USD"].Price)
	suite.Equal(2.0, prices["BTC-USD"].Spread)
}

func (suite *ServerTestSuite) TestCandles() {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	suite.candles.EXPECT().
		RecentCandles(gomock.Any(), types.Symbol("BTC-USD"), 5*time.Minute, 10).
		Return([]types.Candle{{
			Symbol: "BTC-USD", Interval: 5 * time.Minute, Start: start,
			Open: decimal.NewFromInt(1), High: decimal.NewFromInt(3), Low: decimal.NewFromInt(1),
			Close: decimal.NewFromInt(2), Volume: decimal.NewFromInt(7), TradeCount: 4,
		}}, nil)

	resp, body := suite.get("/api/candles/BTC-USD?limit=10&interval=5m")
	suite.Equal(http.StatusOK, resp.StatusCode)

	var candles []types.CandleData
	suite.Require().NoError(json.Unmarshal(body, &candles))
	suite.Require().Len(candles, 1)
	suite.Equal("5m", candles[0].Interval)
	suite.Equal(start, candles[0].Time)
	suite.Equal(int64(4), candles[0].TradeCount)
}

func (suite *ServerTestSuite) TestCandlesDefaults() {
	suite.candles.EXPECT().
		RecentCandles(gomock.Any(), types.Symbol("ETH-USD"), time.Minute, server.DefaultCandleLimit).
		Return(nil, nil)

	resp, body := suite.get("/api/candles/ETH-USD")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.JSONEq(`[]`, string(body))
}

func (suite *ServerTestSuite) TestCandlesBadRequests() {
	for _, query := range []string{"?limit=0", "?limit=5000", "?limit=abc", "?interval=fortnight", "?interval=-1m"} {
		resp, _ := suite.get("/api/candles/BTC-USD" + query)
		suite.Equal(http.StatusBadRequest, resp.StatusCode, query)
	}
}

func (suite *ServerTestSuite) TestCandlesStoreFailure() {
	suite.candles.EXPECT().RecentCandles(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("connection refused"))

	resp, _ := suite.get("/api/candles/BTC-USD")
	suite.Equal(http.StatusInternalServerError, resp.StatusCode)
}

func (suite *ServerTestSuite) TestReadEndpointsWithoutStore() {
	srv := server.New(server.Config{}, suite.hub, suite.pipeline, server.Readers{}, logger.NewNopLogger())

	for _, path := range []string{"/api/candles/BTC-USD", "/api/market-stats", "/api/data-points", "/api/stats"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		suite.Equal(http.StatusServiceUnavailable, rec.Code, path)
	}
}

func (suite *ServerTestSuite) TestMarketStats() {
	suite.market.EXPECT().MarketWindows(gomock.Any(), gomock.Any()).Return([]types.MarketWindow{
		{
			Symbol:    "BTC-USD",
			Current:   decimal.NewFromInt(44000),
			Volume24h: decimal.NewFromInt(900),
			HourAgo:   optional.Some(decimal.NewFromInt(40000)),
			Trades24h: 12,
		},
		{
			Symbol:    "ETH-USD",
			Current:   decimal.NewFromInt(3000),
			Volume24h: decimal.NewFromInt(5000),
		},
	}, nil)

	resp, body := suite.get("/api/market-stats")
	suite.Equal(http.StatusOK, resp.StatusCode)

	var stats []map[string]any
	suite.Require().NoError(json.Unmarshal(body, &stats))
	suite.Require().Len(stats, 2)
	suite.Equal("ETH-USD", stats[0]["symbol"], "highest volume first")
	suite.Equal("BTC-USD", stats[1]["symbol"])
	suite.Equal(10.0, stats[1]["change_1h"])
	suite.Equal(0.0, stats[1]["change_24h"])
	suite.Equal(44000.0, stats[1]["high_24h"])
	suite.Equal(12.0, stats[1]["trades_count"])
}

func (suite *ServerTestSuite) TestMarketStatsEmpty() {
	suite.market.EXPECT().MarketWindows(gomock.Any(), gomock.Any()).Return(nil, nil)

	resp, body := suite.get("/api/market-stats")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.JSONEq(`[]`, string(body))
}

func (suite *ServerTestSuite) TestDataPoints() {
	suite.market.EXPECT().DataPoints(gomock.Any()).Return(types.NewDataPoints(120, 30, 4), nil)

	resp, body := suite.get("/api/data-points")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.JSONEq(`{"tickers":120,"trades":30,"candles":4,"total":154}`, string(body))
}

func (suite *ServerTestSuite) TestStats() {
	suite.pipeline.prices.Update(types.TickerEvent{
		Symbol: "BTC-USD", LastPrice: decimal.NewFromInt(42000), EventTime: time.Now().UTC(),
	})
	suite.market.EXPECT().TradeActivity(gomock.Any(), gomock.Any()).Return(types.TradeActivity{
		TradesLastHour: 7,
		Volume24h:      map[types.Symbol]float64{"BTC-USD": 2.5},
	}, nil)

	resp, body := suite.get("/api/stats")
	suite.Equal(http.StatusOK, resp.StatusCode)

	var stats struct {
		TradesLastHour int64                             `json:"trades_last_hour"`
		LatestPrices   map[types.Symbol]types.TickerData `json:"latest_prices"`
		Volume24h      map[types.Symbol]float64          `json:"volume_24h"`
	}
	suite.Require().NoError(json.Unmarshal(body, &stats))
	suite.Equal(int64(7), stats.TradesLastHour)
	suite.Equal(42000.0, stats.LatestPrices["BTC-USD"].Price)
	suite.Equal(2.5, stats.Volume24h["BTC-USD"])
}

func (suite *ServerTestSuite) TestMarketStoreFailures() {
	suite.market.EXPECT().MarketWindows(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("timeout"))
	suite.market.EXPECT().DataPoints(gomock.Any()).Return(types.DataPoints{}, fmt.Errorf("timeout"))
	suite.market.EXPECT().TradeActivity(gomock.Any(), gomock.Any()).Return(types.TradeActivity{}, fmt.Errorf("timeout"))

	for _, path := range []string{"/api/market-stats", "/api/data-points", "/api/stats"} {
		resp, _ := suite.get(path)
		suite.Equal(http.StatusInternalServerError, resp.StatusCode, path)
	}
}

func (suite *ServerTestSuite) TestStalledClientDoesNotBlockPublish() {
	h := hub.New(hub.Config{QueueCapacity: 2, EvictAfterDrops: 3, WriteTimeout: 5 * time.Second}, logger.NewNopLogger())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	}()

	srv := server.New(server.Config{}, h, suite.pipeline, server.Readers{}, logger.NewNopLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// The client never reads, so writes stall once the socket buffers fill.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	suite.Require().NoError(err)
	defer conn.Close()

	suite.Eventually(func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	payload := strings.Repeat("x", 4<<20)

	var worst time.Duration
	for i := 0; i < 50 && h.Count() > 0; i++ {
		start := time.Now()
		h.Publish(types.Message{Type: types.MessageTypeTicker, Data: payload})
		worst = max(worst, time.Since(start))
	}

	suite.Eventually(func() bool { return h.Count() == 0 }, 5*time.Second, 5*time.Millisecond)
	suite.Equal(int64(1), h.Evictions())
	suite.Less(worst, 200*time.Millisecond)
}

func (suite *ServerTestSuite) TestWebSocketGreetingThenBroadcast() {
	suite.pipeline.prices.Update(types.TickerEvent{
		Symbol: "SOL-USD", LastPrice: decimal.NewFromInt(100), EventTime: time.Now().UTC(),
	})

	conn := suite.dial()
	defer conn.Close()

	greeting := suite.read(conn)
	suite.Equal(types.MessageTypeConnected, greeting.Type)

	var connected types.ConnectedData
	suite.Require().NoError(json.Unmarshal(greeting.Data, &connected))
	suite.Equal(types.FeedStateSubscribed, connected.Feed)
	suite.Equal(100.0, connected.Prices["SOL-USD"].Price)

	suite.Eventually(func() bool { return suite.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	suite.hub.Publish(types.NewStatusMessage(types.FeedStateConnecting))

	status := suite.read(conn)
	suite.Equal(types.MessageTypeStatus, status.Type)
	suite.JSONEq(`{"feed":"connecting"}`, string(status.Data))
}

func (suite *ServerTestSuite) TestClientDisconnectUnregisters() {
	conn := suite.dial()
	suite.read(conn)
	suite.Eventually(func() bool { return suite.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	suite.Require().NoError(conn.Close())

	suite.Eventually(func() bool { return suite.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (suite *ServerTestSuite) TestHubCloseDisconnectsClient() {
	conn := suite.dial()
	defer conn.Close()
	suite.read(conn)
	suite.Eventually(func() bool { return suite.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	suite.Require().NoError(suite.hub.Close(context.Background()))

	_, _, err := conn.ReadMessage()
	suite.Error(err)
}

func (suite *ServerTestSuite) TestServeStopsOnCancel() {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	suite.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- suite.server.Serve(ctx, listener) }()

	suite.Eventually(func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		suite.NoError(err)
	case <-time.After(3 * time.Second):
		suite.Fail("Serve did not return after cancel")
	}
}
