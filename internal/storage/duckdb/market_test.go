package duckdb

import (
	"time"

	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
)

func tick(symbol types.Symbol, price, volume float64, at time.Time) types.TickerEvent {
	p := decimal.NewFromFloat(price)

	return types.TickerEvent{
		Symbol:    symbol,
		BestBid:   p,
		BestAsk:   p,
		LastPrice: p,
		Volume24h: decimal.NewFromFloat(volume),
		EventTime: at,
	}
}

func trade(symbol types.Symbol, id int64, size float64, at time.Time) types.TradeEvent {
	return types.TradeEvent{
		Symbol:     symbol,
		TradePrice: decimal.NewFromInt(100),
		Size:       decimal.NewFromFloat(size),
		Side:       types.SideBuy,
		TradeID:    id,
		EventTime:  at,
	}
}

func (suite *StoreTestSuite) seedMarket(now time.Time) *Store {
	store := suite.newStore()

	suite.Require().NoError(store.WriteTickers(suite.ctx, []types.TickerEvent{
		tick("BTC-USD", 32000, 700, now.Add(-24*time.Hour-2*time.Minute)),
		tick("BTC-USD", 40000, 750, now.Add(-62*time.Minute)),
		tick("BTC-USD", 40100, 760, now.Add(-61*time.Minute)),
		tick("BTC-USD", 43000, 800, now.Add(-2*time.Minute)),
		tick("BTC-USD", 44000, 900, now.Add(-time.Minute)),
		tick("ETH-USD", 3000, 5000, now.Add(-time.Minute)),
		tick("SOL-USD", 100, 10, now.Add(-10*time.Minute)),
	}))

	suite.Require().NoError(store.WriteTrades(suite.ctx, []types.TradeEvent{
		trade("BTC-USD", 1, 4, now.Add(-25*time.Hour)),
		trade("BTC-USD", 2, 1.5, now.Add(-2*time.Hour)),
		trade("BTC-USD", 3, 0.5, now.Add(-30*time.Minute)),
		trade("ETH-USD", 1, 3, now.Add(-10*time.Minute)),
	}))

	return store
}

func (suite *StoreTestSuite) TestMarketWindows() {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store := suite.seedMarket(now)
	defer store.Close()

	windows, err := store.MarketWindows(suite.ctx, now)
	suite.Require().NoError(err)

	stats := types.NewMarketStats(windows)
	suite.Require().Len(stats, 2, "symbols without a recent ticker are left out")

	eth, btc := stats[0], stats[1]
	suite.Equal(types.Symbol("ETH-USD"), eth.Symbol)
	suite.Equal(3000.0, eth.CurrentPrice)
	suite.Equal(0.0, eth.Change1h)
	suite.Equal(0.0, eth.Change24h)
	suite.Equal(3000.0, eth.High24h)
	suite.Equal(int64(1), eth.TradesCount)

	suite.Equal(types.Symbol("BTC-USD"), btc.Symbol)
	suite.Equal(44000.0, btc.CurrentPrice)
	suite.Equal(900.0, btc.Volume24h)
	suite.InDelta(10.0, btc.Change1h, 1e-9)
	suite.InDelta(37.5, btc.Change24h, 1e-9)
	suite.Equal(44000.0, btc.High24h)
	suite.Equal(40000.0, btc.Low24h)
	suite.Equal(int64(2), btc.TradesCount)
}

func (suite *StoreTestSuite) TestMarketWindowsEmpty() {
	store := suite.newStore()
	defer store.Close()

	windows, err := store.MarketWindows(suite.ctx, time.Now())
	suite.NoError(err)
	suite.Empty(windows)
}

func (suite *StoreTestSuite) TestTradeActivity() {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store := suite.seedMarket(now)
	defer store.Close()

	activity, err := store.TradeActivity(suite.ctx, now)
	suite.Require().NoError(err)
	suite.Equal(int64(2), activity.TradesLastHour)
	suite.Equal(map[types.Symbol]float64{"BTC-USD": 2.0, "ETH-USD": 3.0}, activity.Volume24h)
}

func (suite *StoreTestSuite) TestDataPoints() {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store := suite.seedMarket(now)
	defer store.Close()

	suite.Require().NoError(store.WriteCandles(suite.ctx, []types.Candle{minuteCandle("BTC-USD", now, 44000)}))

	points, err := store.DataPoints(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(types.DataPoints{Tickers: 7, Trades: 4, Candles: 1, Total: 12}, points)
}

func (suite *StoreTestSuite) TestMarketReadsRequireInitialize() {
	store := NewStore(Config{DataDir: suite.tempDir}, suite.log)

	_, err := store.DataPoints(suite.ctx)
	suite.True(errors.HasCode(err, errors.ErrCodeStorageUnavailable))

	_, err = store.MarketWindows(suite.ctx, time.Now())
	suite.True(errors.HasCode(err, errors.ErrCodeStorageUnavailable))

	_, err = store.TradeActivity(suite.ctx, time.Now())
	suite.True(errors.HasCode(err, errors.ErrCodeStorageUnavailable))
}
