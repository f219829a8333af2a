package questdb_test

import (
	"fmt"
	"time"

	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/mock/gomock"
)

func (suite *QuestDBStoreTestSuite) TestDataPoints() {
	gomock.InOrder(
		suite.db.EXPECT().Query(gomock.Any(), "SELECT count() FROM coinbase_ticker").
			Return(&fakeRows{data: [][]any{{int64(120)}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(), "SELECT count() FROM coinbase_trades").
			Return(&fakeRows{data: [][]any{{int64(30)}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(), "SELECT count() FROM coinbase_candles").
			Return(&fakeRows{data: [][]any{{int64(4)}}}, nil),
	)

	points, err := suite.store.DataPoints(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(types.DataPoints{Tickers: 120, Trades: 30, Candles: 4, Total: 154}, points)
}

func (suite *QuestDBStoreTestSuite) TestDataPointsFailure() {
	suite.db.EXPECT().Query(gomock.Any(), "SELECT count() FROM coinbase_ticker").
		Return(nil, fmt.Errorf("table does not exist"))

	_, err := suite.store.DataPoints(suite.ctx)
	suite.True(errors.HasCode(err, errors.ErrCodeQueryFailed))
}

func (suite *QuestDBStoreTestSuite) TestMarketWindows() {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	b := types.NewMarketBounds(now)

	gomock.InOrder(
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, last(last_price), last(volume_24h) FROM coinbase_ticker WHERE timestamp > $1 GROUP BY symbol",
			b.CurrentFrom,
		).Return(&fakeRows{data: [][]any{
			{"BTC-USD", 44000.0, 900.0},
			{"ETH-USD", 3000.0, 5000.0},
		}}, nil),
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, first(last_price) FROM coinbase_ticker WHERE timestamp BETWEEN $1 AND $2 GROUP BY symbol",
			b.HourAgoFrom, b.HourAgoTo,
		).Return(&fakeRows{data: [][]any{{"BTC-USD", 40000.0}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, first(last_price) FROM coinbase_ticker WHERE timestamp BETWEEN $1 AND $2 GROUP BY symbol",
			b.DayAgoFrom, b.DayAgoTo,
		).Return(&fakeRows{data: [][]any{{"BTC-USD", 32000.0}, {"SOL-USD", 90.0}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, max(last_price), min(last_price) FROM coinbase_ticker WHERE timestamp > $1 GROUP BY symbol",
			b.DayFrom,
		).Return(&fakeRows{data: [][]any{{"BTC-USD", 45000.0, 39000.0}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, count() FROM coinbase_trades WHERE timestamp > $1 GROUP BY symbol",
			b.DayFrom,
		).Return(&fakeRows{data: [][]any{{"BTC-USD", int64(12)}}}, nil),
	)

	windows, err := suite.store.MarketWindows(suite.ctx, now)
	suite.Require().NoError(err)

	stats := types.NewMarketStats(windows)
	suite.Require().Len(stats, 2)

	eth, btc := stats[0], stats[1]
	suite.Equal(types.Symbol("ETH-USD"), eth.Symbol)
	suite.Equal(0.0, eth.Change1h)
	suite.Equal(3000.0, eth.Low24h)
	suite.Equal(int64(0), eth.TradesCount)

	suite.Equal(types.Symbol("BTC-USD"), btc.Symbol)
	suite.InDelta(10.0, btc.Change1h, 1e-9)
	suite.InDelta(37.5, btc.Change24h, 1e-9)
	suite.Equal(45000.0, btc.High24h)
	suite.Equal(39000.0, btc.Low24h)
	suite.Equal(int64(12), btc.TradesCount)
}

func (suite *QuestDBStoreTestSuite) TestMarketWindowsWithoutRecentTickers() {
	suite.db.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(&fakeRows{}, nil)

	windows, err := suite.store.MarketWindows(suite.ctx, time.Now())
	suite.NoError(err)
	suite.Empty(windows)
}

func (suite *QuestDBStoreTestSuite) TestTradeActivity() {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	b := types.NewMarketBounds(now)

	gomock.InOrder(
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT count() FROM coinbase_trades WHERE timestamp > $1", b.HourFrom,
		).Return(&fakeRows{data: [][]any{{int64(7)}}}, nil),
		suite.db.EXPECT().Query(gomock.Any(),
			"SELECT symbol, sum(size) FROM coinbase_trades WHERE timestamp > $1 GROUP BY symbol", b.DayFrom,
		).Return(&fakeRows{data: [][]any{{"BTC-USD", 2.5}, {"ETH-USD", 10.0}}}, nil),
	)

	activity, err := suite.store.TradeActivity(suite.ctx, now)
	suite.Require().NoError(err)
	suite.Equal(int64(7), activity.TradesLastHour)
	suite.Equal(map[types.Symbol]float64{"BTC-USD": 2.5, "ETH-USD": 10.0}, activity.Volume24h)
}

func (suite *QuestDBStoreTestSuite) TestTradeActivityFailure() {
	suite.db.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&fakeRows{err: fmt.Errorf("stream reset")}, nil)

	_, err := suite.store.TradeActivity(suite.ctx, time.Now())
	suite.True(errors.HasCode(err, errors.ErrCodeQueryFailed))
}
