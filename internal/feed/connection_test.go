package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rxtech-lab/market-stream/internal/feed/mockfeed"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/stretchr/testify/suite"
)

type ConnectionTestSuite struct {
	suite.Suite
	server *mockfeed.Server
}

func TestConnectionSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}

func (suite *ConnectionTestSuite) SetupTest() {
	suite.server = mockfeed.NewServer()
	suite.Require().NoError(suite.server.Start(""))
}

func (suite *ConnectionTestSuite) TearDownTest() {
	suite.Require().NoError(suite.server.Stop())
}

func (suite *ConnectionTestSuite) newConnection(delay time.Duration) *Connection {
	return NewConnection(Config{
		URL:              suite.server.WebSocketURL(),
		Symbols:          []types.Symbol{"BTC-USD", "ETH-USD"},
		Channels:         nil,
		ReconnectDelay:   delay,
		HandshakeTimeout: time.Second,
		ReadTimeout:      0,
	}, logger.NewNopLogger())
}

// collect ranges over the stream in the background and forwards ticker payloads.
func collect(ctx context.Context, conn *Connection) (<-chan []byte, <-chan struct{}) {
	out := make(chan []byte, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for payload := range conn.Stream(ctx) {
			var envelope struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(payload, &envelope) == nil && envelope.Type == "subscriptions" {
				continue
			}
			out <- payload
		}
	}()

	return out, done
}

type stateRecorder struct {
	mu     sync.Mutex
	states []types.FeedState
}

func (r *stateRecorder) record(state types.FeedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) snapshot() []types.FeedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.FeedState(nil), r.states...)
}

func (suite *ConnectionTestSuite) TestDefaults() {
	cfg := Config{}.withDefaults()
	suite.Equal(DefaultURL, cfg.URL)
	suite.Equal(types.DefaultSymbols, cfg.Symbols)
	suite.Equal(DefaultChannels, cfg.Channels)
	suite.Equal(DefaultReconnectDelay, cfg.ReconnectDelay)
	suite.Equal(DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	suite.Equal(DefaultReadTimeout, cfg.ReadTimeout)

	disabled := Config{ReadTimeout: -1}.withDefaults()
	suite.Equal(time.Duration(-1), disabled.ReadTimeout)
}

func (suite *ConnectionTestSuite) TestInitialStateIsDisconnected() {
	conn := suite.newConnection(50 * time.Millisecond)
	suite.Equal(types.FeedStateDisconnected, conn.State())
	suite.Equal(int64(0), conn.Reconnects())
}

func (suite *ConnectionTestSuite) TestSubscribesAndStreamsMessages() {
	conn := suite.newConnection(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, done := collect(ctx, conn)

	suite.Require().True(suite.server.WaitForSubscriptions(1, 2*time.Second))
	subs := suite.server.Subscriptions()
	suite.Equal("subscribe", subs[0].Type)
	suite.Equal([]string{"BTC-USD", "ETH-USD"}, subs[0].ProductIDs)
	suite.Equal([]string{"ticker", "matches"}, subs[0].Channels)

	suite.Eventually(func() bool {
		return conn.State() == types.FeedStateSubscribed
	}, time.Second, 5*time.Millisecond)

	payload := mockfeed.TickerMessage("BTC-USD", "45000", time.Now())
	suite.server.Broadcast(payload)

	select {
	case got := <-messages:
		suite.JSONEq(string(payload), string(got))
	case <-time.After(2 * time.Second):
		suite.Fail("no message received")
	}

	cancel()
	<-done
}

func (suite *ConnectionTestSuite) TestReconnectsAfterDrop() {
	delay := 100 * time.Millisecond
	conn := suite.newConnection(delay)
	recorder := &stateRecorder{}
	conn.OnStateChange(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, done := collect(ctx, conn)
	suite.Require().True(suite.server.WaitForSubscriptions(1, 2*time.Second))

	dropped := time.Now()
	suite.server.DropConnections()

	suite.Require().True(suite.server.WaitForSubscriptions(2, 3*time.Second))
	suite.Eventually(func() bool {
		return conn.State() == types.FeedStateSubscribed
	}, 2*time.Second, 5*time.Millisecond)
	suite.Less(time.Since(dropped), delay+2*time.Second)
	suite.GreaterOrEqual(time.Since(dropped), delay)

	// One subscription per connection, each carrying the full symbol set.
	suite.Equal(suite.server.Connects(), len(suite.server.Subscriptions()))
	for _, sub := range suite.server.Subscriptions() {
		suite.Equal([]string{"BTC-USD", "ETH-USD"}, sub.ProductIDs)
	}
	suite.Equal(int64(1), conn.Reconnects())

	payload := mockfeed.MatchMessage("ETH-USD", "2500", "1", "buy", 7, time.Now())
	suite.server.Broadcast(payload)

	select {
	case got := <-messages:
		suite.JSONEq(string(payload), string(got))
	case <-time.After(2 * time.Second):
		suite.Fail("no message received after reconnect")
	}

	cancel()
	<-done

	suite.Equal([]types.FeedState{
		types.FeedStateConnecting,
		types.FeedStateSubscribed,
		types.FeedStateConnecting,
		types.FeedStateSubscribed,
		types.FeedStateStopped,
	}, recorder.snapshot())
}

func (suite *ConnectionTestSuite) TestRetriesWhileFeedUnreachable() {
	suite.server.SetReject(true)

	conn := suite.newConnection(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, done := collect(ctx, conn)

	suite.Eventually(func() bool {
		return conn.Reconnects() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	suite.Equal(types.FeedStateConnecting, conn.State())
	suite.Empty(suite.server.Subscriptions())

	suite.server.SetReject(false)
	suite.Require().True(suite.server.WaitForSubscriptions(1, 2*time.Second))
	suite.Eventually(func() bool {
		return conn.State() == types.FeedStateSubscribed
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func (suite *ConnectionTestSuite) TestShutdownIsBounded() {
	conn := suite.newConnection(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	_, done := collect(ctx, conn)
	suite.Require().True(suite.server.WaitForSubscriptions(1, 2*time.Second))

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.Fail("stream did not stop after cancellation")
	}

	suite.Equal(types.FeedStateStopped, conn.State())
	suite.Eventually(func() bool {
		return suite.server.ConnectionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (suite *ConnectionTestSuite) TestShutdownDuringReconnectDelay() {
	suite.server.SetReject(true)

	conn := suite.newConnection(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	_, done := collect(ctx, conn)
	suite.Eventually(func() bool {
		return conn.Reconnects() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		suite.Fail("stream did not stop while waiting to reconnect")
	}
	suite.Equal(types.FeedStateStopped, conn.State())
}

func (suite *ConnectionTestSuite) TestConsumerBreakClosesTransport() {
	conn := suite.newConnection(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range conn.Stream(context.Background()) {
			// the subscription ack is the first payload
			break
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.Fail("stream did not end after consumer break")
	}

	suite.Equal(types.FeedStateStopped, conn.State())
	suite.Eventually(func() bool {
		return suite.server.ConnectionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (suite *ConnectionTestSuite) TestRejectedSubscriptionIsRetried() {
	suite.server.SetSubscribeError("DOGE-XYZ is not a valid product")

	conn := suite.newConnection(20 * time.Millisecond)
	recorder := &stateRecorder{}
	conn.OnStateChange(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, done := collect(ctx, conn)

	suite.Eventually(func() bool { return suite.server.Connects() >= 3 }, 2*time.Second, 5*time.Millisecond)
	suite.Equal(types.FeedStateConnecting, conn.State())
	suite.NotContains(recorder.snapshot(), types.FeedStateSubscribed)
	suite.Positive(conn.Reconnects())
	suite.Empty(suite.server.Subscriptions())

	suite.server.SetSubscribeError("")
	suite.Eventually(func() bool {
		return conn.State() == types.FeedStateSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func (suite *ConnectionTestSuite) TestSubscribedOnlyAfterAck() {
	conn := suite.newConnection(50 * time.Millisecond)

	type observed struct {
		payload []byte
		state   types.FeedState
	}

	first := make(chan observed, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range conn.Stream(context.Background()) {
			first <- observed{payload: payload, state: conn.State()}
			break
		}
	}()

	select {
	case got := <-first:
		var envelope struct {
			Type string `json:"type"`
		}
		suite.Require().NoError(json.Unmarshal(got.payload, &envelope))
		suite.Equal("subscriptions", envelope.Type)
		suite.Equal(types.FeedStateSubscribed, got.state)
	case <-time.After(2 * time.Second):
		suite.Fail("no payload received")
	}

	<-done
}

func (suite *ConnectionTestSuite) TestNewSubscribeRequest() {
	req := NewSubscribeRequest([]types.Symbol{"SOL-USD"}, []string{"ticker"})
	raw, err := json.Marshal(req)
	suite.Require().NoError(err)
	suite.JSONEq(`{"type":"subscribe","product_ids":["SOL-USD"],"channels":["ticker"]}`, string(raw))
}
