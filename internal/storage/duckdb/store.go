// Package duckdb stores pipeline records in an embedded DuckDB database and
// mirrors every table to a parquet file so data survives restarts.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/internal/version"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	TableTickers = "tickers"
	TableTrades  = "trades"
	TableCandles = "candles"

	DefaultExportInterval = time.Minute

	// versionFile records the build that last exported the data directory.
	versionFile = "VERSION"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tickers (
		time TIMESTAMP,
		symbol TEXT,
		best_bid DOUBLE,
		best_ask DOUBLE,
		last_price DOUBLE,
		spread DOUBLE,
		volume_24h DOUBLE
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		time TIMESTAMP,
		symbol TEXT,
		trade_id BIGINT,
		price DOUBLE,
		size DOUBLE,
		side TEXT,
		PRIMARY KEY (symbol, trade_id)
	)`,
	`CREATE TABLE IF NOT EXISTS candles (
		time TIMESTAMP,
		symbol TEXT,
		interval_seconds BIGINT,
		open DOUBLE,
		high DOUBLE,
		low DOUBLE,
		close DOUBLE,
		volume DOUBLE,
		trade_count BIGINT,
		synthetic BOOLEAN,
		PRIMARY KEY (symbol, interval_seconds, time)
	)`,
}

// conflictClause keeps loads from parquet and rewrites idempotent.
var conflictClause = map[string]string{
	TableTickers: "",
	TableTrades:  "ON CONFLICT (symbol, trade_id) DO NOTHING",
	TableCandles: "ON CONFLICT (symbol, interval_seconds, time) DO NOTHING",
}

// Config configures a Store.
type Config struct {
	// DataDir holds one parquet file per table.
	DataDir string
	// ExportInterval is the minimum time between parquet exports. The store
	// always exports on Close.
	ExportInterval time.Duration
}

// Store is a sink.Writer and sink.CandleReader backed by DuckDB.
type Store struct {
	config Config
	db     *sql.DB
	sq     squirrel.StatementBuilderType
	log    *logger.Logger

	mu         sync.Mutex
	lastExport time.Time
}

// NewStore creates a Store. Call Initialize before writing.
func NewStore(config Config, log *logger.Logger) *Store {
	if config.ExportInterval <= 0 {
		config.ExportInterval = DefaultExportInterval
	}

	return &Store{
		config:     config,
		db:         nil,
		sq:         squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		log:        log.Named("duckdb"),
		mu:         sync.Mutex{},
		lastExport: time.Time{},
	}
}

// Initialize opens an in-memory DuckDB, creates the tables and loads any data
// exported by a previous run.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.config.DataDir, 0755); err != nil {
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to create data directory", err)
	}

	if err := s.checkDataVersion(); err != nil {
		return err
	}

	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to open DuckDB connection", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return errors.Wrap(errors.ErrCodeSchemaFailed, "failed to create table", err)
		}
	}

	s.db = db

	for _, table := range []string{TableTickers, TableTrades, TableCandles} {
		path := s.OutputPath(table)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s SELECT * FROM read_parquet('%s') %s`,
			table, path, conflictClause[table]))
		if err != nil {
			// A corrupt file is overwritten by the next export.
			s.log.Warn("Failed to load existing parquet file", zap.String("path", path), zap.Error(err))
		}
	}

	s.lastExport = time.Now()

	return nil
}

// OutputPath returns the parquet file that mirrors table.
func (s *Store) OutputPath(table string) string {
	return filepath.Join(s.config.DataDir, table+".parquet")
}

// WriteTickers appends ticker rows.
func (s *Store) WriteTickers(ctx context.Context, tickers []types.TickerEvent) error {
	if len(tickers) == 0 {
		return nil
	}

	insert := s.sq.Insert(TableTickers).
		Columns("time", "symbol", "best_bid", "best_ask", "last_price", "spread", "volume_24h")

	for _, t := range tickers {
		insert = insert.Values(
			t.EventTime.UTC(),
			string(t.Symbol),
			t.BestBid.InexactFloat64(),
			t.BestAsk.InexactFloat64(),
			t.LastPrice.InexactFloat64(),
			t.Spread().InexactFloat64(),
			t.Volume24h.InexactFloat64(),
		)
	}

	return s.exec(ctx, TableTickers, insert)
}

// WriteTrades inserts trade rows. A trade already stored is skipped.
func (s *Store) WriteTrades(ctx context.Context, trades []types.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	insert := s.sq.Insert(TableTrades).
		Columns("time", "symbol", "trade_id", "price", "size", "side")

	for _, t := range trades {
		insert = insert.Values(
			t.EventTime.UTC(),
			string(t.Symbol),
			t.TradeID,
			t.TradePrice.InexactFloat64(),
			t.Size.InexactFloat64(),
			string(t.Side),
		)
	}

	return s.exec(ctx, TableTrades, insert.Suffix(conflictClause[TableTrades]))
}

// WriteCandles upserts closed candles.
func (s *Store) WriteCandles(ctx context.Context, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	insert := s.sq.Insert(TableCandles).
		Columns("time", "symbol", "interval_seconds", "open", "high", "low", "close", "volume", "trade_count", "synthetic")

	for _, c := range candles {
		insert = insert.Values(
			c.Start.UTC(),
			string(c.Symbol),
			int64(c.Interval/time.Second),
			c.Open.InexactFloat64(),
			c.High.InexactFloat64(),
			c.Low.InexactFloat64(),
			c.Close.InexactFloat64(),
			c.Volume.InexactFloat64(),
			c.TradeCount,
			c.Synthetic,
		)
	}

	return s.exec(ctx, TableCandles, insert.Suffix(`ON CONFLICT (symbol, interval_seconds, time) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		trade_count = excluded.trade_count,
		synthetic = excluded.synthetic`))
}

func (s *Store) exec(ctx context.Context, table string, insert squirrel.InsertBuilder) error {
	query, args, err := insert.ToSql()
	if err != nil {
		return errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to build %s insert", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New(errors.ErrCodeStorageUnavailable, "duckdb store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(errors.ErrCodePersistenceWrite, err, "failed to insert into %s", table)
	}

	if time.Since(s.lastExport) >= s.config.ExportInterval {
		if err := s.exportLocked(); err != nil {
			// The rows are in DuckDB; the next export retries the file.
			s.log.Warn("Parquet export failed", zap.Error(err))
		}
	}

	return nil
}

// RecentCandles returns up to limit candles for symbol and interval, oldest first.
func (s *Store) RecentCandles(ctx context.Context, symbol types.Symbol, interval time.Duration, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidParameter, "limit must be positive")
	}

	query, args, err := s.sq.
		Select("time", "open", "high", "low", "close", "volume", "trade_count", "synthetic").
		From(TableCandles).
		Where(squirrel.Eq{"symbol": string(symbol), "interval_seconds": int64(interval / time.Second)}).
		OrderBy("time DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build candle query", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, errors.New(errors.ErrCodeStorageUnavailable, "duckdb store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query candles", err)
	}
	defer rows.Close()

	var candles []types.Candle

	for rows.Next() {
		var (
			start                          time.Time
			open, high, low, closePrice, v float64
			tradeCount                     int64
			synthetic                      bool
		)

		if err := rows.Scan(&start, &open, &high, &low, &closePrice, &v, &tradeCount, &synthetic); err != nil {
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
			Volume:     decimal.NewFromFloat(v),
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

// Count returns the number of rows in table.
func (s *Store) Count(table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, errors.New(errors.ErrCodeStorageUnavailable, "duckdb store not initialized")
	}

	query, args, err := s.sq.Select("COUNT(*)").From(table).ToSql()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build count query", err)
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to count %s", table)
	}

	return n, nil
}

// Export writes every table to its parquet file.
func (s *Store) Export() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New(errors.ErrCodeStorageUnavailable, "duckdb store not initialized")
	}

	return s.exportLocked()
}

// Close exports the tables and releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	exportErr := s.exportLocked()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to close database", err)
	}

	s.db = nil

	return exportErr
}

func (s *Store) exportLocked() error {
	for _, table := range []string{TableTickers, TableTrades, TableCandles} {
		_, err := s.db.Exec(fmt.Sprintf(`COPY (SELECT * FROM %s ORDER BY time ASC) TO '%s' (FORMAT PARQUET)`,
			table, s.OutputPath(table)))
		if err != nil {
			return errors.Wrapf(errors.ErrCodePersistenceWrite, err, "failed to export %s to parquet", table)
		}
	}

	if err := os.WriteFile(s.versionPath(), []byte(version.GetVersion()+"\n"), 0644); err != nil {
		return errors.Wrap(errors.ErrCodePersistenceWrite, "failed to write data version", err)
	}

	s.lastExport = time.Now()

	return nil
}

func (s *Store) versionPath() string {
	return filepath.Join(s.config.DataDir, versionFile)
}

// checkDataVersion refuses a data directory exported by an incompatible build.
func (s *Store) checkDataVersion() error {
	stored, err := os.ReadFile(s.versionPath())
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to read data version", err)
	}

	if err := version.CheckDataCompatibility(version.GetVersion(), string(stored)); err != nil {
		return errors.Wrapf(errors.ErrCodeSchemaFailed, err, "data directory %s is not compatible", s.config.DataDir)
	}

	return nil
}

var (
	_ sink.Writer       = (*Store)(nil)
	_ sink.CandleReader = (*Store)(nil)
)
