// Package config loads the marketstream configuration from defaults, an
// optional YAML file, a .env file and MARKETSTREAM_ environment variables,
// in that order of precedence.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/rxtech-lab/market-stream/internal/aggregator"
	"github.com/rxtech-lab/market-stream/internal/feed"
	"github.com/rxtech-lab/market-stream/internal/hub"
	"github.com/rxtech-lab/market-stream/internal/pipeline"
	"github.com/rxtech-lab/market-stream/internal/server"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/storage/duckdb"
	"github.com/rxtech-lab/market-stream/internal/storage/kafka"
	"github.com/rxtech-lab/market-stream/internal/storage/questdb"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MARKETSTREAM_FEED_URL.
const EnvPrefix = "MARKETSTREAM_"

// Candle stores the HTTP candle endpoint can read from.
const (
	CandleStoreNone    = ""
	CandleStoreDuckDB  = "duckdb"
	CandleStoreQuestDB = "questdb"
)

// Config is the complete marketstream configuration.
type Config struct {
	App        AppConfig        `yaml:"app" json:"app" envPrefix:"APP_"`
	Feed       FeedConfig       `yaml:"feed" json:"feed" envPrefix:"FEED_"`
	Aggregator AggregatorConfig `yaml:"aggregator" json:"aggregator" envPrefix:"AGGREGATOR_"`
	Hub        HubConfig        `yaml:"hub" json:"hub" envPrefix:"HUB_"`
	Sink       SinkConfig       `yaml:"sink" json:"sink" envPrefix:"SINK_"`
	DuckDB     DuckDBConfig     `yaml:"duckdb" json:"duckdb" envPrefix:"DUCKDB_"`
	QuestDB    QuestDBConfig    `yaml:"questdb" json:"questdb" envPrefix:"QUESTDB_"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka" envPrefix:"KAFKA_"`
	Server     ServerConfig     `yaml:"server" json:"server" envPrefix:"SERVER_"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" env:"LOG_LEVEL" jsonschema:"title=Log Level,enum=debug,enum=info,enum=warn,enum=error" validate:"oneof=debug info warn error"`
	ChannelBuffer   int           `yaml:"channel_buffer" json:"channel_buffer" env:"CHANNEL_BUFFER" jsonschema:"title=Channel Buffer,description=Capacity of the hand-off between the feed reader and the processor" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" jsonschema:"type=string,title=Shutdown Timeout" validate:"gt=0"`
	StatsPath       string        `yaml:"stats_path" json:"stats_path" env:"STATS_PATH" jsonschema:"title=Stats Path,description=YAML file receiving pipeline statistics. Empty disables it"`
	StatsInterval   time.Duration `yaml:"stats_interval" json:"stats_interval" env:"STATS_INTERVAL" jsonschema:"type=string,title=Stats Interval" validate:"gt=0"`
}

// FeedConfig configures the upstream WebSocket connection.
type FeedConfig struct {
	URL              string        `yaml:"url" json:"url" env:"URL" jsonschema:"title=Feed URL,required" validate:"required,url"`
	Symbols          []string      `yaml:"symbols" json:"symbols" env:"SYMBOLS" envSeparator:"," jsonschema:"title=Symbols,description=Products to subscribe to (e.g. BTC-USD),required" validate:"required,min=1,dive,required"`
	Channels         []string      `yaml:"channels" json:"channels" env:"CHANNELS" envSeparator:"," jsonschema:"title=Channels" validate:"required,min=1,dive,oneof=ticker matches"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" env:"RECONNECT_DELAY" jsonschema:"type=string,title=Reconnect Delay" validate:"gt=0"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" env:"HANDSHAKE_TIMEOUT" jsonschema:"type=string,title=Handshake Timeout" validate:"gt=0"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT" jsonschema:"type=string,title=Read Timeout,description=Silence after which the connection is considered dead. Negative disables it"`
}

// AggregatorConfig configures candle aggregation.
type AggregatorConfig struct {
	Intervals         []string      `yaml:"intervals" json:"intervals" env:"INTERVALS" envSeparator:"," jsonschema:"title=Intervals,description=Candle intervals such as 1m or 1h" validate:"required,min=1,dive,interval"`
	GapPolicy         string        `yaml:"gap_policy" json:"gap_policy" env:"GAP_POLICY" jsonschema:"title=Gap Policy,enum=skip,enum=fill" validate:"oneof=skip fill"`
	MaxGapFill        int           `yaml:"max_gap_fill" json:"max_gap_fill" env:"MAX_GAP_FILL" jsonschema:"title=Max Gap Fill" validate:"gt=0"`
	IdleFlushInterval time.Duration `yaml:"idle_flush_interval" json:"idle_flush_interval" env:"IDLE_FLUSH_INTERVAL" jsonschema:"type=string,title=Idle Flush Interval,description=Negative disables idle flushing"`
	IdleGrace         time.Duration `yaml:"idle_grace" json:"idle_grace" env:"IDLE_GRACE" jsonschema:"type=string,title=Idle Grace" validate:"gt=0"`
}

// HubConfig configures subscriber fan-out.
type HubConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity" json:"queue_capacity" env:"QUEUE_CAPACITY" jsonschema:"title=Queue Capacity" validate:"gt=0"`
	EvictAfterDrops int           `yaml:"evict_after_drops" json:"evict_after_drops" env:"EVICT_AFTER_DROPS" jsonschema:"title=Evict After Drops" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT" jsonschema:"type=string,title=Write Timeout" validate:"gt=0"`
}

// SinkConfig configures the asynchronous persistence buffer shared by every
// backend.
type SinkConfig struct {
	BufferSize     int           `yaml:"buffer_size" json:"buffer_size" env:"BUFFER_SIZE" jsonschema:"title=Buffer Size" validate:"gt=0"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE" jsonschema:"title=Batch Size" validate:"gt=0"`
	FlushInterval  time.Duration `yaml:"flush_interval" json:"flush_interval" env:"FLUSH_INTERVAL" jsonschema:"type=string,title=Flush Interval" validate:"gt=0"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES" jsonschema:"title=Max Retries,description=Negative disables retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"INITIAL_BACKOFF" jsonschema:"type=string,title=Initial Backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF" jsonschema:"type=string,title=Max Backoff" validate:"gtfield=InitialBackoff"`
}

// DuckDBConfig configures the embedded parquet-backed store.
type DuckDBConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" env:"ENABLED" jsonschema:"title=Enabled"`
	DataDir        string        `yaml:"data_dir" json:"data_dir" env:"DATA_DIR" jsonschema:"title=Data Directory" validate:"required_if=Enabled true"`
	ExportInterval time.Duration `yaml:"export_interval" json:"export_interval" env:"EXPORT_INTERVAL" jsonschema:"type=string,title=Export Interval" validate:"gt=0"`
}

// QuestDBConfig configures the QuestDB time-series store.
type QuestDBConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" env:"ENABLED" jsonschema:"title=Enabled"`
	Host           string        `yaml:"host" json:"host" env:"HOST" jsonschema:"title=Host" validate:"required_if=Enabled true"`
	Port           int           `yaml:"port" json:"port" env:"PORT" jsonschema:"title=Port" validate:"gt=0,lt=65536"`
	Database       string        `yaml:"database" json:"database" env:"DATABASE" jsonschema:"title=Database"`
	Username       string        `yaml:"username" json:"username" env:"USERNAME" jsonschema:"title=Username"`
	Password       string        `yaml:"password" json:"password" env:"PASSWORD" jsonschema:"title=Password"`
	MaxConns       int32         `yaml:"max_conns" json:"max_conns" env:"MAX_CONNS" jsonschema:"title=Max Connections" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"CONNECT_TIMEOUT" jsonschema:"type=string,title=Connect Timeout" validate:"gt=0"`
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"ENABLED" jsonschema:"title=Enabled"`
	Brokers      []string      `yaml:"brokers" json:"brokers" env:"BROKERS" envSeparator:"," jsonschema:"title=Brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic        string        `yaml:"topic" json:"topic" env:"TOPIC" jsonschema:"title=Topic" validate:"required"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout" env:"BATCH_TIMEOUT" jsonschema:"type=string,title=Batch Timeout" validate:"gt=0"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address" env:"ADDRESS" jsonschema:"title=Listen Address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" jsonschema:"type=string,title=Shutdown Timeout" validate:"gt=0"`
	PingInterval    time.Duration `yaml:"ping_interval" json:"ping_interval" env:"PING_INTERVAL" jsonschema:"type=string,title=Ping Interval" validate:"gt=0"`
	MaxCandleLimit  int           `yaml:"max_candle_limit" json:"max_candle_limit" env:"MAX_CANDLE_LIMIT" jsonschema:"title=Max Candle Limit" validate:"gt=0"`
	CandleStore     string        `yaml:"candle_store" json:"candle_store" env:"CANDLE_STORE" jsonschema:"title=Candle Store,description=Store backing /api/candles. Empty disables the endpoint,enum=duckdb,enum=questdb" validate:"omitempty,oneof=duckdb questdb"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		App: AppConfig{
			LogLevel:        "info",
			ChannelBuffer:   pipeline.DefaultChannelBuffer,
			ShutdownTimeout: pipeline.DefaultShutdownTimeout,
			StatsPath:       "",
			StatsInterval:   pipeline.DefaultStatsInterval,
		},
		Feed: FeedConfig{
			URL:              feed.DefaultURL,
			Symbols:          symbolStrings(types.DefaultSymbols),
			Channels:         append([]string(nil), feed.DefaultChannels...),
			ReconnectDelay:   feed.DefaultReconnectDelay,
			HandshakeTimeout: feed.DefaultHandshakeTimeout,
			ReadTimeout:      feed.DefaultReadTimeout,
		},
		Aggregator: AggregatorConfig{
			Intervals:         []string{"1m"},
			GapPolicy:         string(aggregator.GapPolicySkip),
			MaxGapFill:        aggregator.DefaultMaxGapFill,
			IdleFlushInterval: pipeline.DefaultIdleFlushInterval,
			IdleGrace:         pipeline.DefaultIdleGrace,
		},
		Hub: HubConfig{
			QueueCapacity:   hub.DefaultQueueCapacity,
			EvictAfterDrops: hub.DefaultEvictAfterDrops,
			WriteTimeout:    hub.DefaultWriteTimeout,
		},
		Sink: SinkConfig{
			BufferSize:     sink.DefaultBufferSize,
			BatchSize:      sink.DefaultBatchSize,
			FlushInterval:  sink.DefaultFlushInterval,
			MaxRetries:     sink.DefaultMaxRetries,
			InitialBackoff: sink.DefaultInitialBackoff,
			MaxBackoff:     sink.DefaultMaxBackoff,
		},
		DuckDB: DuckDBConfig{
			Enabled:        false,
			DataDir:        "data",
			ExportInterval: duckdb.DefaultExportInterval,
		},
		QuestDB: QuestDBConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           8812,
			Database:       "qdb",
			Username:       "admin",
			Password:       "quest",
			MaxConns:       4,
			ConnectTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			Topic:        kafka.DefaultTopic,
			BatchTimeout: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Address:         server.DefaultAddress,
			ShutdownTimeout: server.DefaultShutdownTimeout,
			PingInterval:    server.DefaultPingInterval,
			MaxCandleLimit:  server.DefaultMaxCandleLimit,
			CandleStore:     CandleStoreNone,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. A .env file in the working directory
// is loaded when present and never overrides variables already set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to parse config file %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to load .env", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse environment", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("interval", func(fl validator.FieldLevel) bool {
		d, err := types.ParseIntervalLabel(fl.Field().String())
		return err == nil && d >= time.Second && d%time.Second == 0
	})

	return v
}

// Validate checks field constraints and cross-section rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	switch c.Server.CandleStore {
	case CandleStoreDuckDB:
		if !c.DuckDB.Enabled {
			return errors.New(errors.ErrCodeInvalidConfiguration, "server.candle_store is duckdb but duckdb is not enabled")
		}
	case CandleStoreQuestDB:
		if !c.QuestDB.Enabled {
			return errors.New(errors.ErrCodeInvalidConfiguration, "server.candle_store is questdb but questdb is not enabled")
		}
	}

	return nil
}

// Schema returns the JSON schema of Config.
func Schema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true
	r.FieldNameTag = "yaml"

	schema := r.Reflect(&Config{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeUnknown, "failed to marshal config schema", err)
	}

	return data, nil
}

// Symbols returns the configured products.
func (c Config) Symbols() []types.Symbol {
	out := make([]types.Symbol, 0, len(c.Feed.Symbols))
	for _, s := range c.Feed.Symbols {
		out = append(out, types.Symbol(s))
	}

	return out
}

// Intervals returns the parsed aggregation intervals. Validate guarantees
// every label parses.
func (c Config) Intervals() []time.Duration {
	out := make([]time.Duration, 0, len(c.Aggregator.Intervals))
	for _, label := range c.Aggregator.Intervals {
		if d, err := types.ParseIntervalLabel(label); err == nil {
			out = append(out, d)
		}
	}

	return out
}

// FeedOptions is the feed connection configuration.
func (c Config) FeedOptions() feed.Config {
	return feed.Config{
		URL:              c.Feed.URL,
		Symbols:          c.Symbols(),
		Channels:         c.Feed.Channels,
		ReconnectDelay:   c.Feed.ReconnectDelay,
		HandshakeTimeout: c.Feed.HandshakeTimeout,
		ReadTimeout:      c.Feed.ReadTimeout,
	}
}

// AggregatorOptions is the candle aggregator configuration.
func (c Config) AggregatorOptions() aggregator.Config {
	return aggregator.Config{
		Intervals:  c.Intervals(),
		GapPolicy:  aggregator.GapPolicy(c.Aggregator.GapPolicy),
		MaxGapFill: c.Aggregator.MaxGapFill,
	}
}

// PipelineOptions is the engine configuration.
func (c Config) PipelineOptions() pipeline.Config {
	return pipeline.Config{
		Symbols:           c.Symbols(),
		ChannelBuffer:     c.App.ChannelBuffer,
		IdleFlushInterval: c.Aggregator.IdleFlushInterval,
		IdleGrace:         c.Aggregator.IdleGrace,
		ShutdownTimeout:   c.App.ShutdownTimeout,
		StatsPath:         c.App.StatsPath,
		StatsInterval:     c.App.StatsInterval,
	}
}

// HubOptions is the broadcast hub configuration.
func (c Config) HubOptions() hub.Config {
	return hub.Config{
		QueueCapacity:   c.Hub.QueueCapacity,
		EvictAfterDrops: c.Hub.EvictAfterDrops,
		WriteTimeout:    c.Hub.WriteTimeout,
	}
}

// SinkOptions is the per-backend async sink configuration.
func (c Config) SinkOptions() sink.AsyncConfig {
	return sink.AsyncConfig{
		BufferSize:     c.Sink.BufferSize,
		BatchSize:      c.Sink.BatchSize,
		FlushInterval:  c.Sink.FlushInterval,
		MaxRetries:     c.Sink.MaxRetries,
		InitialBackoff: c.Sink.InitialBackoff,
		MaxBackoff:     c.Sink.MaxBackoff,
	}
}

// DuckDBOptions is the DuckDB store configuration.
func (c Config) DuckDBOptions() duckdb.Config {
	return duckdb.Config{DataDir: c.DuckDB.DataDir, ExportInterval: c.DuckDB.ExportInterval}
}

// QuestDBOptions is the QuestDB connection configuration.
func (c Config) QuestDBOptions() questdb.Config {
	return questdb.Config{
		Host:           c.QuestDB.Host,
		Port:           c.QuestDB.Port,
		Database:       c.QuestDB.Database,
		Username:       c.QuestDB.Username,
		Password:       c.QuestDB.Password,
		MaxConns:       c.QuestDB.MaxConns,
		ConnectTimeout: c.QuestDB.ConnectTimeout,
	}
}

// KafkaOptions is the Kafka publisher configuration.
func (c Config) KafkaOptions() kafka.Config {
	return kafka.Config{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic, BatchTimeout: c.Kafka.BatchTimeout}
}

// ServerOptions is the HTTP server configuration.
func (c Config) ServerOptions() server.Config {
	return server.Config{
		Address:           c.Server.Address,
		ReadHeaderTimeout: server.DefaultReadHeaderTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		PingInterval:      c.Server.PingInterval,
		MaxCandleLimit:    c.Server.MaxCandleLimit,
	}
}

func symbolStrings(symbols []types.Symbol) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, string(s))
	}

	return out
}
