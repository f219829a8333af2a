package stats

import (
	"sync"
	"time"

	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

// Sources reads counters owned by other components. Any field may be nil.
type Sources struct {
	FeedState   func() types.FeedState
	Reconnects  func() int64
	Delivery    func() types.DeliveryStats
	Persistence func() types.PersistenceStats
}

// Accumulator holds the ingest counters maintained by the Tracker.
type Accumulator struct {
	Messages        int64
	Tickers         int64
	Trades          int64
	CandlesClosed   int64
	MalformedInputs int64
	LateEvents      int64
	DuplicateTrades int64
	FeedErrors      int64
	// SendFailures and OverflowEvictions count subscriber evictions by cause.
	SendFailures      int64
	OverflowEvictions int64
	Unclassified      int64
}

// Tracker tracks pipeline statistics in real time.
type Tracker struct {
	symbols      []types.Symbol
	sessionStart time.Time
	sources      Sources
	acc          Accumulator

	mu     sync.Mutex
	logger *logger.Logger
}

// NewTracker creates a new Tracker.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		symbols:      nil,
		sessionStart: time.Time{},
		sources:      Sources{FeedState: nil, Reconnects: nil, Delivery: nil, Persistence: nil},
		acc:          Accumulator{},
		mu:           sync.Mutex{},
		logger:       log.Named("stats"),
	}
}

// Initialize sets up the tracker with session information.
func (t *Tracker) Initialize(symbols []types.Symbol, sessionStart time.Time, sources Sources) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.symbols = append([]types.Symbol(nil), symbols...)
	t.sessionStart = sessionStart
	t.sources = sources

	t.logger.Info("Stats tracker initialized",
		zap.Int("symbols", len(symbols)),
		zap.Time("session_start", sessionStart),
	)
}

// RecordMessage counts one raw inbound message.
func (t *Tracker) RecordMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acc.Messages++
}

// RecordEvent counts a normalized event by kind.
func (t *Tracker) RecordEvent(ev types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.(type) {
	case types.TickerEvent:
		t.acc.Tickers++
	case types.TradeEvent:
		t.acc.Trades++
	}
}

// RecordCandles counts closed candles.
func (t *Tracker) RecordCandles(n int) {
	if n == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.acc.CandlesClosed += int64(n)
}

// Record classifies err by its error code and counts it. Errors without a
// known ingest code are counted as unclassified.
func (t *Tracker) Record(err error) {
	if err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch errors.GetCode(err) {
	case errors.ErrCodeMalformedInput:
		t.acc.MalformedInputs++
	case errors.ErrCodeLateEvent:
		t.acc.LateEvents++
	case errors.ErrCodeDuplicateTrade:
		t.acc.DuplicateTrades++
	case errors.ErrCodeFeedError:
		t.acc.FeedErrors++
	case errors.ErrCodeSubscriberDelivery:
		t.acc.SendFailures++
	case errors.ErrCodeSubscriberOverflow:
		t.acc.OverflowEvictions++
	default:
		t.acc.Unclassified++

		t.logger.Debug("Unclassified pipeline error", zap.Error(err))
	}
}

// Accumulated returns a copy of the ingest counters.
func (t *Tracker) Accumulated() Accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.acc
}

// Snapshot returns the current statistics, merged with the attached sources.
func (t *Tracker) Snapshot() types.PipelineStats {
	t.mu.Lock()
	acc := t.acc
	sources := t.sources
	stats := types.PipelineStats{
		SessionStart: t.sessionStart,
		LastUpdated:  time.Now().UTC(),
		Symbols:      append([]types.Symbol(nil), t.symbols...),
		FeedState:    types.FeedStateDisconnected,
		Ingest: types.IngestStats{
			Messages:        acc.Messages,
			Tickers:         acc.Tickers,
			Trades:          acc.Trades,
			CandlesClosed:   acc.CandlesClosed,
			MalformedInputs: acc.MalformedInputs,
			LateEvents:      acc.LateEvents,
			DuplicateTrades: acc.DuplicateTrades,
			FeedErrors:      acc.FeedErrors,
			Reconnects:      0,
		},
		Delivery: types.DeliveryStats{
			Subscribers:       0,
			Evictions:         0,
			DroppedMessages:   0,
			SendFailures:      0,
			OverflowEvictions: 0,
		},
		Persistence: types.PersistenceStats{WriteFailures: 0, DroppedRecords: 0},
	}
	t.mu.Unlock()

	// Sources take their own locks.
	if sources.FeedState != nil {
		stats.FeedState = sources.FeedState()
	}

	if sources.Reconnects != nil {
		stats.Ingest.Reconnects = sources.Reconnects()
	}

	if sources.Delivery != nil {
		stats.Delivery = sources.Delivery()
	}

	stats.Delivery.SendFailures = acc.SendFailures
	stats.Delivery.OverflowEvictions = acc.OverflowEvictions

	if sources.Persistence != nil {
		stats.Persistence = sources.Persistence()
	}

	return stats
}

// WriteYAML writes the current statistics to path. An empty path is a no-op.
func (t *Tracker) WriteYAML(path string) error {
	if path == "" {
		return nil
	}

	if err := types.WritePipelineStats(path, t.Snapshot()); err != nil {
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "failed to write pipeline stats", err)
	}

	t.logger.Debug("Pipeline stats written", zap.String("path", path))

	return nil
}
