// Package questdb persists pipeline records to QuestDB over its PostgreSQL
// wire protocol.
package questdb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	TableTicker  = "coinbase_ticker"
	TableTrades  = "coinbase_trades"
	TableCandles = "coinbase_candles"
)

// Tables are WAL tables so that DEDUP keeps rewrites of the same trade or
// candle idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS coinbase_ticker (
		symbol SYMBOL,
		best_bid DOUBLE,
		best_ask DOUBLE,
		last_price DOUBLE,
		spread DOUBLE,
		volume_24h DOUBLE,
		timestamp TIMESTAMP
	) timestamp(timestamp) PARTITION BY DAY WAL`,
	`CREATE TABLE IF NOT EXISTS coinbase_trades (
		symbol SYMBOL,
		price DOUBLE,
		size DOUBLE,
		side SYMBOL,
		trade_id LONG,
		timestamp TIMESTAMP
	) timestamp(timestamp) PARTITION BY DAY WAL DEDUP UPSERT KEYS(timestamp, symbol, trade_id)`,
	`CREATE TABLE IF NOT EXISTS coinbase_candles (
		symbol SYMBOL,
		interval_seconds LONG,
		open DOUBLE,
		high DOUBLE,
		low DOUBLE,
		close DOUBLE,
		volume DOUBLE,
		trade_count LONG,
		synthetic BOOLEAN,
		timestamp TIMESTAMP
	) timestamp(timestamp) PARTITION BY DAY WAL DEDUP UPSERT KEYS(timestamp, symbol, interval_seconds)`,
}

const (
	insertTicker = `INSERT INTO coinbase_ticker (symbol, best_bid, best_ask, last_price, spread, volume_24h, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertTrade = `INSERT INTO coinbase_trades (symbol, price, size, side, trade_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`
	insertCandle = `INSERT INTO coinbase_candles (symbol, interval_seconds, open, high, low, close, volume, trade_count, synthetic, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Config is the QuestDB connection configuration.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// ConnString returns the PostgreSQL connection string for c.
func (c Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Store is a sink.Writer, sink.CandleReader and sink.MarketReader backed by
// QuestDB.
type Store struct {
	db  DB
	sq  squirrel.StatementBuilderType
	log *logger.Logger
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, config Config, log *logger.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnString())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse questdb config", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to create questdb pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to ping questdb", err)
	}

	log.Info("Connected to QuestDB", zap.String("host", config.Host), zap.Int("port", config.Port))

	return New(pool, log), nil
}

// New creates a Store on top of db.
func New(db DB, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log.Named("questdb"),
	}
}

// CreateTables creates the tables if they do not exist.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrCodeSchemaFailed, "failed to create questdb table", err)
		}
	}

	s.log.Info("QuestDB tables ready")

	return nil
}

// WriteTickers inserts ticker rows in one batch.
func (s *Store) WriteTickers(ctx context.Context, tickers []types.TickerEvent) error {
	batch := &pgx.Batch{}

	for _, t := range tickers {
		batch.Queue(insertTicker,
			string(t.Symbol),
			t.BestBid.InexactFloat64(),
			t.BestAsk.InexactFloat64(),
			t.LastPrice.InexactFloat64(),
			t.Spread().InexactFloat64(),
			t.Volume24h.InexactFloat64(),
			t.EventTime.UTC(),
		)
	}

	return s.send(ctx, TableTicker, batch)
}

// WriteTrades inserts trade rows in one batch.
func (s *Store) WriteTrades(ctx context.Context, trades []types.TradeEvent) error {
	batch := &pgx.Batch{}

	for _, t := range trades {
		batch.Queue(insertTrade,
			string(t.Symbol),
			t.TradePrice.InexactFloat64(),
			t.Size.InexactFloat64(),
			string(t.Side),
			t.TradeID,
			t.EventTime.UTC(),
		)
	}

	return s.send(ctx, TableTrades, batch)
}

// WriteCandles inserts closed candles in one batch.
func (s *Store) WriteCandles(ctx context.Context, candles []types.Candle) error {
	batch := &pgx.Batch{}

	for _, c := range candles {
		batch.Queue(insertCandle,
			string(c.Symbol),
			int64(c.Interval/time.Second),
			c.Open.InexactFloat64(),
			c.High.InexactFloat64(),
			c.Low.InexactFloat64(),
			c.Close.InexactFloat64(),
			c.Volume.InexactFloat64(),
			c.TradeCount,
			c.Synthetic,
			c.Start.UTC(),
		)
	}

	return s.send(ctx, TableCandles, batch)
}

func (s *Store) send(ctx context.Context, table string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	results := s.db.SendBatch(ctx, batch)

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()

			return errors.Wrapf(errors.ErrCodePersistenceWrite, err, "failed to insert into %s", table)
		}
	}

	if err := results.Close(); err != nil {
		return errors.Wrapf(errors.ErrCodePersistenceWrite, err, "failed to finish %s batch", table)
	}

	return nil
}

// RecentCandles returns up to limit candles for symbol and interval, oldest first.
func (s *Store) RecentCandles(ctx context.Context, symbol types.Symbol, interval time.Duration, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidParameter, "limit must be positive")
	}

	query, args, err := s.sq.
		Select("timestamp", "open", "high", "low", "close", "volume", "trade_count", "synthetic").
		From(TableCandles).
		Where(squirrel.Eq{"symbol": string(symbol)}).
		Where(squirrel.Eq{"interval_seconds": int64(interval / time.Second)}).
		OrderBy("timestamp DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build candle query", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query candles", err)
	}
	defer rows.Close()

	var candles []types.Candle

	for rows.Next() {
		var (
			start                              time.Time
			open, high, low, closePrice, volume float64
			tradeCount                         int64
			synthetic                          bool
		)

		if err := rows.Scan(&start, &open, &high, &low, &closePrice, &volume, &tradeCount, &synthetic); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan candle", err)
		}

		candles = append(candles, types.Candle{
			Symbol:     symbol,
			Interval:   interval,
			Start:      start.UTC(),
			Open:       decimal.NewFromFloat(open),
			High:       decimal.NewFromFloat(high),
			Low:        decimal.NewFromFloat(low),
			Close:      decimal.NewFromFloat(closePrice),
			Volume:     decimal.NewFromFloat(volume),
			TradeCount: tradeCount,
			Synthetic:  synthetic,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating candles", err)
	}

	slices.Reverse(candles)

	return candles, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()

	return nil
}

var (
	_ sink.Writer       = (*Store)(nil)
	_ sink.CandleReader = (*Store)(nil)
	_ DB                = (*pgxpool.Pool)(nil)
)
