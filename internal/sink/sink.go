// Package sink persists pipeline records without blocking ingestion.
//
// The pipeline hands every record to a Sink. Async buffers records, batches
// them per kind and hands the batches to a Writer backend (see
// internal/storage). Persistence failures are logged and counted, they never
// stop the pipeline.
package sink

import (
	"context"
	"time"

	"github.com/rxtech-lab/market-stream/internal/types"
)

// Sink accepts records for persistence. Append must not block.
type Sink interface {
	Append(record types.Record)
	// Close drains buffered records until ctx is done and releases the backend.
	Close(ctx context.Context) error
}

// Writer is a storage backend. Writes of a trade that was already stored
// (same symbol and trade id) must be harmless.
type Writer interface {
	WriteTickers(ctx context.Context, tickers []types.TickerEvent) error
	WriteTrades(ctx context.Context, trades []types.TradeEvent) error
	WriteCandles(ctx context.Context, candles []types.Candle) error
	Close() error
}

// CandleReader reads recently persisted candles. Candles are returned oldest
// first.
type CandleReader interface {
	RecentCandles(ctx context.Context, symbol types.Symbol, interval time.Duration, limit int) ([]types.Candle, error)
}

// MarketReader reads aggregate views over persisted records. now anchors the
// trailing windows.
type MarketReader interface {
	DataPoints(ctx context.Context) (types.DataPoints, error)
	MarketWindows(ctx context.Context, now time.Time) ([]types.MarketWindow, error)
	TradeActivity(ctx context.Context, now time.Time) (types.TradeActivity, error)
}

// StatsReporter is implemented by sinks that count their failures.
type StatsReporter interface {
	Stats() types.PersistenceStats
}

// Discard is a Sink that drops every record.
type Discard struct{}

func (Discard) Append(types.Record)           {}
func (Discard) Close(context.Context) error   { return nil }
func (Discard) Stats() types.PersistenceStats { return types.PersistenceStats{} }
