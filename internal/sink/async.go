package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize     = 10_000
	DefaultBatchSize      = 500
	DefaultFlushInterval  = time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// AsyncConfig configures an Async sink.
type AsyncConfig struct {
	// BufferSize is how many records may wait for the worker. Appends beyond
	// it are dropped.
	BufferSize int
	// BatchSize flushes a kind as soon as this many records are pending.
	BatchSize int
	// FlushInterval flushes pending records at least this often.
	FlushInterval time.Duration
	// MaxRetries bounds the retries of one batch after its first attempt.
	// Zero means the default, a negative value disables retries.
	MaxRetries int
	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}

	return c
}

type batch struct {
	tickers []types.TickerEvent
	trades  []types.TradeEvent
	candles []types.Candle
}

func (b *batch) add(r types.Record) {
	switch r.Kind {
	case types.RecordKindTicker:
		if r.Ticker != nil {
			b.tickers = append(b.tickers, *r.Ticker)
		}
	case types.RecordKindTrade:
		if r.Trade != nil {
			b.trades = append(b.trades, *r.Trade)
		}
	case types.RecordKindCandle:
		if r.Candle != nil {
			b.candles = append(b.candles, *r.Candle)
		}
	}
}

func (b *batch) full(size int) bool {
	return len(b.tickers) >= size || len(b.trades) >= size || len(b.candles) >= size
}

// Async is a fire-and-forget Sink in front of a Writer. One worker goroutine
// batches records and writes them with bounded exponential retry.
type Async struct {
	writer Writer
	config AsyncConfig
	log    *logger.Logger

	// mu orders Append against closing the input channel.
	mu     sync.RWMutex
	closed bool
	in     chan types.Record

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	written  atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

// NewAsync starts the worker for w.
func NewAsync(w Writer, config AsyncConfig, log *logger.Logger) *Async {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	a := &Async{
		writer:   w,
		config:   config,
		log:      log.Named("sink"),
		mu:       sync.RWMutex{},
		closed:   false,
		in:       make(chan types.Record, config.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		written:  atomic.Int64{},
		dropped:  atomic.Int64{},
		failures: atomic.Int64{},
	}

	go a.run()

	return a
}

// Append queues record. When the buffer is full or the sink is closed the
// record is dropped and counted.
func (a *Async) Append(record types.Record) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(record, errors.New(errors.ErrCodeSinkClosed, "sink is closed"))

		return
	}

	select {
	case a.in <- record:
	default:
		a.drop(record, errors.New(errors.ErrCodeSinkOverflow, "sink buffer is full"))
	}
}

// Close stops accepting records and flushes what is buffered. When ctx ends
// first, in-flight retries are abandoned and an error is returned. The
// backend is closed in both cases.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()

		return nil
	}

	a.closed = true
	close(a.in)
	a.mu.Unlock()

	var err error

	select {
	case <-a.done:
	case <-ctx.Done():
		err = errors.Wrap(errors.ErrCodeSinkClosed, "timed out draining sink", ctx.Err())

		a.cancel()
		<-a.done
	}

	a.cancel()

	if closeErr := a.writer.Close(); closeErr != nil {
		a.log.Warn("Failed to close storage backend", zap.Error(closeErr))

		if err == nil {
			err = errors.Wrap(errors.ErrCodePersistenceWrite, "failed to close storage backend", closeErr)
		}
	}

	a.log.Info("Sink closed",
		zap.Int64("written", a.written.Load()),
		zap.Int64("dropped", a.dropped.Load()),
		zap.Int64("write_failures", a.failures.Load()),
	)

	return err
}

// Stats returns the sink counters.
func (a *Async) Stats() types.PersistenceStats {
	return types.PersistenceStats{
		WriteFailures:  a.failures.Load(),
		DroppedRecords: a.dropped.Load(),
	}
}

// Written returns the number of records the backend accepted.
func (a *Async) Written() int64 { return a.written.Load() }

func (a *Async) drop(record types.Record, reason error) {
	n := a.dropped.Add(1)

	// Log the first drop and then every thousandth so a stalled backend does
	// not flood the log.
	if n == 1 || n%1000 == 0 {
		a.log.Warn("Dropping persistence record",
			zap.String("kind", string(record.Kind)),
			zap.Int64("dropped_total", n),
			zap.Error(reason),
		)
	}
}

func (a *Async) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	pending := &batch{tickers: nil, trades: nil, candles: nil}

	for {
		select {
		case record, ok := <-a.in:
			if !ok {
				a.flush(pending)

				return
			}

			pending.add(record)

			if pending.full(a.config.BatchSize) {
				a.flush(pending)
			}
		case <-ticker.C:
			a.flush(pending)
		}
	}
}

func (a *Async) flush(b *batch) {
	if len(b.tickers) > 0 {
		tickers := b.tickers
		a.write("ticker", len(tickers), func(ctx context.Context) error { return a.writer.WriteTickers(ctx, tickers) })
		b.tickers = nil
	}

	if len(b.trades) > 0 {
		trades := b.trades
		a.write("trade", len(trades), func(ctx context.Context) error { return a.writer.WriteTrades(ctx, trades) })
		b.trades = nil
	}

	if len(b.candles) > 0 {
		candles := b.candles
		a.write("candle", len(candles), func(ctx context.Context) error { return a.writer.WriteCandles(ctx, candles) })
		b.candles = nil
	}
}

func (a *Async) write(kind string, n int, fn func(ctx context.Context) error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.config.InitialBackoff
	policy.MaxInterval = a.config.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++

		return fn(a.ctx)
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(a.config.MaxRetries)), a.ctx))
	if err != nil {
		a.failures.Add(1)
		a.log.Warn("Persistence write failed",
			zap.String("kind", kind),
			zap.Int("records", n),
			zap.Int("attempts", attempts),
			zap.Error(errors.Wrap(errors.ErrCodePersistenceWrite, "batch write failed", err)),
		)

		return
	}

	a.written.Add(int64(n))
}
