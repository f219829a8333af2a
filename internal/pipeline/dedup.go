package pipeline

import (
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
)

// tradeDeduper drops trades whose id is not above the highest id seen for the
// symbol. The feed redelivers recent matches after a reconnect.
type tradeDeduper struct {
	highest map[types.Symbol]int64
}

func newTradeDeduper() *tradeDeduper {
	return &tradeDeduper{highest: make(map[types.Symbol]int64)}
}

func (d *tradeDeduper) check(t types.TradeEvent) error {
	if last, ok := d.highest[t.Symbol]; ok && t.TradeID <= last {
		return errors.Newf(errors.ErrCodeDuplicateTrade,
			"trade %d for %s is not above last seen id %d", t.TradeID, t.Symbol, last)
	}

	d.highest[t.Symbol] = t.TradeID

	return nil
}
