package pipeline

import (
	"sync"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/market-stream/internal/types"
)

// PriceBook tracks the latest ticker per symbol. It is safe for concurrent use.
type PriceBook struct {
	mu     sync.RWMutex
	latest map[types.Symbol]types.TickerEvent
}

// NewPriceBook creates an empty PriceBook.
func NewPriceBook() *PriceBook {
	return &PriceBook{
		mu:     sync.RWMutex{},
		latest: make(map[types.Symbol]types.TickerEvent),
	}
}

// Update records t unless a newer ticker for the same symbol is already known.
func (b *PriceBook) Update(t types.TickerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.latest[t.Symbol]; ok && current.EventTime.After(t.EventTime) {
		return
	}

	b.latest[t.Symbol] = t
}

// Get returns the latest ticker for symbol.
func (b *PriceBook) Get(symbol types.Symbol) optional.Option[types.TickerEvent] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.latest[symbol]
	if !ok {
		return optional.None[types.TickerEvent]()
	}

	return optional.Some(t)
}

// Snapshot returns the wire form of every known price.
func (b *PriceBook) Snapshot() map[types.Symbol]types.TickerData {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[types.Symbol]types.TickerData, len(b.latest))
	for symbol, t := range b.latest {
		out[symbol] = types.NewTickerData(t)
	}

	return out
}

// Len returns the number of symbols with a known price.
func (b *PriceBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.latest)
}
