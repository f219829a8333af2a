package main

import (
	"context"

	"github.com/rxtech-lab/market-stream/internal/config"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/server"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/storage/duckdb"
	"github.com/rxtech-lab/market-stream/internal/storage/kafka"
	"github.com/rxtech-lab/market-stream/internal/storage/questdb"
	"go.uber.org/zap"
)

// buildSinks opens every enabled backend and puts each behind its own Async
// buffer. A database that cannot be opened is logged and left out, so the
// stream keeps running without it. The returned readers come from the store
// selected by server.candle_store and stay nil when that store is missing.
func buildSinks(ctx context.Context, cfg config.Config, log *logger.Logger) (sink.Sink, server.Readers, error) {
	var (
		backends sink.Multi
		readers  server.Readers
	)

	use := func(store interface {
		sink.CandleReader
		sink.MarketReader
	}) {
		readers.Candles = store
		readers.Market = store
	}

	if cfg.DuckDB.Enabled {
		store := duckdb.NewStore(cfg.DuckDBOptions(), log)
		if err := store.Initialize(); err != nil {
			log.Warn("DuckDB unavailable, continuing without it",
				zap.String("data_dir", cfg.DuckDB.DataDir), zap.Error(err))
		} else {
			backends = append(backends, sink.NewAsync(store, cfg.SinkOptions(), log.Named("duckdb")))

			if cfg.Server.CandleStore == config.CandleStoreDuckDB {
				use(store)
			}

			log.Info("DuckDB sink enabled", zap.String("data_dir", cfg.DuckDB.DataDir))
		}
	}

	if cfg.QuestDB.Enabled {
		if store, err := openQuestDB(ctx, cfg, log); err != nil {
			log.Warn("QuestDB unavailable, continuing without it",
				zap.String("host", cfg.QuestDB.Host), zap.Error(err))
		} else {
			backends = append(backends, sink.NewAsync(store, cfg.SinkOptions(), log.Named("questdb")))

			if cfg.Server.CandleStore == config.CandleStoreQuestDB {
				use(store)
			}
		}
	}

	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.KafkaOptions(), log)
		backends = append(backends, sink.NewAsync(publisher, cfg.SinkOptions(), log.Named("kafka")))

		log.Info("Kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if len(backends) == 0 {
		log.Info("No persistence backend enabled; records are only broadcast")
		return sink.Discard{}, readers, nil
	}

	return backends, readers, nil
}

func openQuestDB(ctx context.Context, cfg config.Config, log *logger.Logger) (*questdb.Store, error) {
	store, err := questdb.Connect(ctx, cfg.QuestDBOptions(), log)
	if err != nil {
		return nil, err
	}

	if err := store.CreateTables(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return store, nil
}
