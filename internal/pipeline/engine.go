// Package pipeline wires the feed, normalizer, aggregator, hub and sink into
// the running market-data pipeline and owns its shutdown sequence.
package pipeline

import (
	"context"
	stderrors "errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rxtech-lab/market-stream/internal/aggregator"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/normalizer"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/stats"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultChannelBuffer     = 1024
	DefaultIdleFlushInterval = time.Second
	DefaultIdleGrace         = 5 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultStatsInterval     = 30 * time.Second
)

// Source produces raw feed payloads. *feed.Connection implements it.
type Source interface {
	Stream(ctx context.Context) iter.Seq[[]byte]
	State() types.FeedState
	Reconnects() int64
}

// Broadcaster fans messages out to subscribers. *hub.Hub implements it.
type Broadcaster interface {
	Publish(msg types.Message)
	Count() int
	Dropped() int64
	Evictions() int64
	Close(ctx context.Context) error
}

// Config configures an Engine.
type Config struct {
	Symbols []types.Symbol
	// ChannelBuffer is the capacity of the hand-off from the feed reader to
	// the processing goroutine.
	ChannelBuffer int
	// IdleFlushInterval is how often open candles are checked for idleness.
	// A negative value disables idle flushing.
	IdleFlushInterval time.Duration
	// IdleGrace is how long after its interval end a quiet candle is closed.
	IdleGrace time.Duration
	// ShutdownTimeout bounds each of the hub and sink drains at shutdown.
	ShutdownTimeout time.Duration
	// StatsPath receives pipeline statistics as YAML. Empty disables it.
	StatsPath string
	// StatsInterval is how often statistics are written while running.
	StatsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = types.DefaultSymbols
	}

	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = DefaultChannelBuffer
	}

	if c.IdleFlushInterval == 0 {
		c.IdleFlushInterval = DefaultIdleFlushInterval
	}

	if c.IdleGrace <= 0 {
		c.IdleGrace = DefaultIdleGrace
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}

	return c
}

// Dependencies are the components an Engine drives.
type Dependencies struct {
	Source     Source
	Hub        Broadcaster
	Sink       sink.Sink
	Aggregator *aggregator.Aggregator
	Stats      *stats.Tracker
}

// Engine runs the pipeline.
type Engine struct {
	config     Config
	source     Source
	hub        Broadcaster
	sink       sink.Sink
	normalizer *normalizer.Normalizer
	aggregator *aggregator.Aggregator
	prices     *PriceBook
	stats      *stats.Tracker
	dedup      *tradeDeduper
	log        *logger.Logger
	now        func() time.Time
	// clock is only touched by the processing goroutine.
	clock eventClock
}

// NewEngine creates an Engine. A nil Sink discards records and a nil
// Aggregator uses the default one-minute configuration.
func NewEngine(config Config, deps Dependencies, log *logger.Logger) *Engine {
	config = config.withDefaults()

	records := deps.Sink
	if records == nil {
		records = sink.Discard{}
	}

	agg := deps.Aggregator
	if agg == nil {
		agg = aggregator.New(aggregator.Config{Intervals: nil, GapPolicy: "", MaxGapFill: 0})
	}

	tracker := deps.Stats
	if tracker == nil {
		tracker = stats.NewTracker(log)
	}

	return &Engine{
		config:     config,
		source:     deps.Source,
		hub:        deps.Hub,
		sink:       records,
		normalizer: normalizer.New(config.Symbols),
		aggregator: agg,
		prices:     NewPriceBook(),
		stats:      tracker,
		dedup:      newTradeDeduper(),
		log:        log.Named("pipeline"),
		now:        time.Now,
		clock:      eventClock{latest: time.Time{}, seenAt: time.Time{}},
	}
}

// Prices returns the latest-price tracker.
func (e *Engine) Prices() *PriceBook { return e.prices }

// FeedState returns the current feed state.
func (e *Engine) FeedState() types.FeedState { return e.source.State() }

// Stats returns the current pipeline statistics.
func (e *Engine) Stats() types.PipelineStats { return e.stats.Snapshot() }

// Greeting is the first message for a new subscriber.
func (e *Engine) Greeting() types.Message {
	return types.NewConnectedMessage(e.source.State(), e.prices.Snapshot())
}

// HandleFeedState broadcasts a feed state change. Register it with the feed
// connection's OnStateChange.
func (e *Engine) HandleFeedState(state types.FeedState) {
	e.hub.Publish(types.NewStatusMessage(state))
}

// HandleEviction counts a subscriber eviction by its cause. Register it with
// the hub's OnEvict.
func (e *Engine) HandleEviction(id uuid.UUID, err error) {
	e.stats.Record(err)
	e.log.Debug("Subscriber eviction recorded",
		zap.String("subscriber_id", id.String()),
		zap.Int("code", int(errors.GetCode(err))),
	)
}

// Run processes the feed until ctx is cancelled. It then stops the feed,
// flushes every open candle, drains the hub and the sink and writes final
// statistics. Run only returns an error when shutdown did not complete
// cleanly.
func (e *Engine) Run(ctx context.Context) error {
	e.stats.Initialize(e.config.Symbols, e.now().UTC(), stats.Sources{
		FeedState:  e.source.State,
		Reconnects: e.source.Reconnects,
		Delivery: func() types.DeliveryStats {
			return types.DeliveryStats{
				Subscribers:       e.hub.Count(),
				Evictions:         e.hub.Evictions(),
				DroppedMessages:   e.hub.Dropped(),
				SendFailures:      0,
				OverflowEvictions: 0,
			}
		},
		Persistence: func() types.PersistenceStats {
			if r, ok := e.sink.(sink.StatsReporter); ok {
				return r.Stats()
			}

			return types.PersistenceStats{WriteFailures: 0, DroppedRecords: 0}
		},
	})

	e.log.Info("Pipeline started", zap.Int("symbols", len(e.config.Symbols)))

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	raw := make(chan []byte, e.config.ChannelBuffer)
	feedDone := make(chan struct{})

	go e.read(feedCtx, raw, feedDone)

	e.process(ctx, raw)

	return e.shutdown(stopFeed, raw, feedDone)
}

// read ranges over the feed and hands payloads to the processing goroutine.
func (e *Engine) read(ctx context.Context, raw chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(raw)

	for payload := range e.source.Stream(ctx) {
		select {
		case raw <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// process is the single writer of aggregation state.
func (e *Engine) process(ctx context.Context, raw <-chan []byte) {
	var idle <-chan time.Time

	if e.config.IdleFlushInterval > 0 {
		ticker := time.NewTicker(e.config.IdleFlushInterval)
		defer ticker.Stop()

		idle = ticker.C
	}

	var statsTick <-chan time.Time

	if e.config.StatsPath != "" {
		ticker := time.NewTicker(e.config.StatsInterval)
		defer ticker.Stop()

		statsTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-raw:
			if !ok {
				return
			}

			e.handle(payload)
		case <-idle:
			e.flushIdle()
		case <-statsTick:
			e.writeStats()
		}
	}
}

func (e *Engine) shutdown(stopFeed context.CancelFunc, raw <-chan []byte, feedDone <-chan struct{}) error {
	e.log.Info("Pipeline shutting down")

	stopFeed()
	<-feedDone

	// Payloads already handed off are still processed.
	for payload := range raw {
		e.handle(payload)
	}

	flushed := e.aggregator.Flush()
	e.emitCandles(flushed)

	var errs []error

	hubCtx, cancelHub := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	if err := e.hub.Close(hubCtx); err != nil {
		errs = append(errs, err)
	}
	cancelHub()

	sinkCtx, cancelSink := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	if err := e.sink.Close(sinkCtx); err != nil {
		errs = append(errs, err)
	}
	cancelSink()

	e.writeStats()

	snap := e.stats.Snapshot()
	e.log.Info("Pipeline stopped",
		zap.Int("flushed_candles", len(flushed)),
		zap.Int64("messages", snap.Ingest.Messages),
		zap.Int64("candles_closed", snap.Ingest.CandlesClosed),
		zap.Int64("malformed_inputs", snap.Ingest.MalformedInputs),
	)

	if len(errs) > 0 {
		return errors.Wrap(errors.ErrCodeUnknown, "pipeline shutdown incomplete", stderrors.Join(errs...))
	}

	return nil
}

// handle runs one raw payload through normalization, de-duplication,
// aggregation, broadcast and persistence. No error stops the pipeline.
func (e *Engine) handle(payload []byte) {
	e.stats.RecordMessage()

	ev, err := e.normalizer.Normalize(payload)
	if err != nil {
		e.reject(err)

		return
	}

	if trade, ok := ev.(types.TradeEvent); ok {
		if err := e.dedup.check(trade); err != nil {
			e.stats.Record(err)
			e.log.Debug("Dropping duplicate trade", zap.String("symbol", string(trade.Symbol)), zap.Int64("trade_id", trade.TradeID))

			return
		}
	}

	e.clock.observe(ev.Time(), e.now())
	e.stats.RecordEvent(ev)

	closed, err := e.aggregator.Apply(ev)
	// Closed candles precede the event that closed them.
	e.emitCandles(closed)

	if err != nil {
		e.stats.Record(err)
		e.log.Debug("Late event not aggregated", zap.String("symbol", string(ev.EventSymbol())), zap.Error(err))
	}

	switch v := ev.(type) {
	case types.TickerEvent:
		e.prices.Update(v)
		e.hub.Publish(types.NewTickerMessage(v))
		e.sink.Append(types.TickerRecord(v))
	case types.TradeEvent:
		e.hub.Publish(types.NewTradeMessage(v))
		e.sink.Append(types.TradeRecord(v))
	}
}

// flushIdle closes quiet candles against the event clock. Nothing is flushed
// before the first event arrived.
func (e *Engine) flushIdle() {
	now, ok := e.clock.now(e.now())
	if !ok {
		return
	}

	e.emitCandles(e.aggregator.FlushIdle(now.UTC(), e.config.IdleGrace))
}

func (e *Engine) reject(err error) {
	switch {
	case errors.Is(err, normalizer.ErrIgnored):
		return
	case errors.HasCode(err, errors.ErrCodeFeedError):
		e.log.Warn("Feed reported an error", zap.Error(err))
	default:
		e.log.Debug("Discarding malformed message", zap.Error(err))
	}

	e.stats.Record(err)
}

func (e *Engine) emitCandles(candles []types.Candle) {
	if len(candles) == 0 {
		return
	}

	e.stats.RecordCandles(len(candles))

	for _, c := range candles {
		e.hub.Publish(types.NewCandleMessage(c))
		e.sink.Append(types.CandleRecord(c))
	}
}

func (e *Engine) writeStats() {
	if err := e.stats.WriteYAML(e.config.StatsPath); err != nil {
		e.log.Warn("Failed to write pipeline stats", zap.Error(err))
	}
}
