package questdb

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
)

// DataPoints counts the rows of every table.
func (s *Store) DataPoints(ctx context.Context) (types.DataPoints, error) {
	counts := make([]int64, 0, 3)

	for _, table := range []string{TableTicker, TableTrades, TableCandles} {
		var n int64

		err := s.query(ctx, s.sq.Select("count()").From(table), func(rows pgx.Rows) error {
			return rows.Scan(&n)
		})
		if err != nil {
			return types.DataPoints{}, errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to count %s", table)
		}

		counts = append(counts, n)
	}

	return types.NewDataPoints(counts[0], counts[1], counts[2]), nil
}

// MarketWindows reads the per-symbol material for a market summary ending at
// now. first() and last() follow the designated timestamp.
func (s *Store) MarketWindows(ctx context.Context, now time.Time) ([]types.MarketWindow, error) {
	b := types.NewMarketBounds(now)

	var order []types.Symbol
	windows := make(map[types.Symbol]*types.MarketWindow)

	current := s.sq.Select("symbol", "last(last_price)", "last(volume_24h)").
		From(TableTicker).
		Where(squirrel.Gt{"timestamp": b.CurrentFrom}).
		GroupBy("symbol")

	err := s.query(ctx, current, func(rows pgx.Rows) error {
		var (
			symbol        string
			price, volume float64
		)

		if err := rows.Scan(&symbol, &price, &volume); err != nil {
			return err
		}

		sym := types.Symbol(symbol)
		order = append(order, sym)
		windows[sym] = &types.MarketWindow{
			Symbol:    sym,
			Current:   decimal.NewFromFloat(price),
			Volume24h: decimal.NewFromFloat(volume),
			HourAgo:   optional.None[decimal.Decimal](),
			DayAgo:    optional.None[decimal.Decimal](),
			High24h:   optional.None[decimal.Decimal](),
			Low24h:    optional.None[decimal.Decimal](),
			Trades24h: 0,
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query current prices", err)
	}

	if len(order) == 0 {
		return nil, nil
	}

	reference := func(from, to time.Time, set func(w *types.MarketWindow, price decimal.Decimal)) error {
		q := s.sq.Select("symbol", "first(last_price)").
			From(TableTicker).
			Where(squirrel.Expr("timestamp BETWEEN ? AND ?", from, to)).
			GroupBy("symbol")

		return s.query(ctx, q, func(rows pgx.Rows) error {
			var (
				symbol string
				price  float64
			)

			if err := rows.Scan(&symbol, &price); err != nil {
				return err
			}

			if w, ok := windows[types.Symbol(symbol)]; ok {
				set(w, decimal.NewFromFloat(price))
			}

			return nil
		})
	}

	if err := reference(b.HourAgoFrom, b.HourAgoTo, func(w *types.MarketWindow, p decimal.Decimal) {
		w.HourAgo = optional.Some(p)
	}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query 1h reference prices", err)
	}

	if err := reference(b.DayAgoFrom, b.DayAgoTo, func(w *types.MarketWindow, p decimal.Decimal) {
		w.DayAgo = optional.Some(p)
	}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query 24h reference prices", err)
	}

	extremes := s.sq.Select("symbol", "max(last_price)", "min(last_price)").
		From(TableTicker).
		Where(squirrel.Gt{"timestamp": b.DayFrom}).
		GroupBy("symbol")

	err = s.query(ctx, extremes, func(rows pgx.Rows) error {
		var (
			symbol    string
			high, low float64
		)

		if err := rows.Scan(&symbol, &high, &low); err != nil {
			return err
		}

		if w, ok := windows[types.Symbol(symbol)]; ok {
			w.High24h = optional.Some(decimal.NewFromFloat(high))
			w.Low24h = optional.Some(decimal.NewFromFloat(low))
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query 24h range", err)
	}

	trades := s.sq.Select("symbol", "count()").
		From(TableTrades).
		Where(squirrel.Gt{"timestamp": b.DayFrom}).
		GroupBy("symbol")

	err = s.query(ctx, trades, func(rows pgx.Rows) error {
		var (
			symbol string
			n      int64
		)

		if err := rows.Scan(&symbol, &n); err != nil {
			return err
		}

		if w, ok := windows[types.Symbol(symbol)]; ok {
			w.Trades24h = n
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query 24h trade counts", err)
	}

	out := make([]types.MarketWindow, 0, len(order))
	for _, sym := range order {
		out = append(out, *windows[sym])
	}

	return out, nil
}

// TradeActivity counts trades of the last hour and sums traded size per
// symbol over the last 24 hours.
func (s *Store) TradeActivity(ctx context.Context, now time.Time) (types.TradeActivity, error) {
	b := types.NewMarketBounds(now)
	activity := types.TradeActivity{TradesLastHour: 0, Volume24h: make(map[types.Symbol]float64)}

	recent := s.sq.Select("count()").From(TableTrades).Where(squirrel.Gt{"timestamp": b.HourFrom})

	err := s.query(ctx, recent, func(rows pgx.Rows) error {
		return rows.Scan(&activity.TradesLastHour)
	})
	if err != nil {
		return activity, errors.Wrap(errors.ErrCodeQueryFailed, "failed to count recent trades", err)
	}

	volume := s.sq.Select("symbol", "sum(size)").
		From(TableTrades).
		Where(squirrel.Gt{"timestamp": b.DayFrom}).
		GroupBy("symbol")

	err = s.query(ctx, volume, func(rows pgx.Rows) error {
		var (
			symbol string
			size   float64
		)

		if err := rows.Scan(&symbol, &size); err != nil {
			return err
		}

		activity.Volume24h[types.Symbol(symbol)] = size

		return nil
	})
	if err != nil {
		return activity, errors.Wrap(errors.ErrCodeQueryFailed, "failed to sum 24h volume", err)
	}

	return activity, nil
}

// query runs q and calls scan for every row.
func (s *Store) query(ctx context.Context, q squirrel.SelectBuilder, scan func(pgx.Rows) error) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}

	return rows.Err()
}

var _ sink.MarketReader = (*Store)(nil)
