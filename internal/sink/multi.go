package sink

import (
	"context"
	stderrors "errors"

	"github.com/rxtech-lab/market-stream/internal/types"
)

// Multi fans every record out to several sinks. Each member keeps its own
// buffer and retry loop.
type Multi []Sink

// Append hands record to every member.
func (m Multi) Append(record types.Record) {
	for _, s := range m {
		s.Append(record)
	}
}

// Close closes every member and joins their errors.
func (m Multi) Close(ctx context.Context) error {
	var errs []error

	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return stderrors.Join(errs...)
}

// Stats sums the counters of members that report them.
func (m Multi) Stats() types.PersistenceStats {
	var total types.PersistenceStats

	for _, s := range m {
		if r, ok := s.(StatsReporter); ok {
			st := r.Stats()
			total.WriteFailures += st.WriteFailures
			total.DroppedRecords += st.DroppedRecords
		}
	}

	return total
}
