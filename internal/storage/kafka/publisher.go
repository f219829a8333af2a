// Package kafka publishes pipeline records to a Kafka topic so downstream
// services can consume the normalized stream.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/sink"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderKind = "kind"

	DefaultTopic = "market-data"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Publisher is a sink.Writer that publishes every record as a JSON envelope
// keyed by symbol. Messages for one symbol land on one partition and keep
// their order.
type Publisher struct {
	writer MessageWriter
	topic  string
	log    *logger.Logger
}

// NewPublisher creates a Publisher with a kafka-go writer for config.
func NewPublisher(config Config, log *logger.Logger) *Publisher {
	topic := config.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return NewPublisherWithWriter(writer, topic, log)
}

// NewPublisherWithWriter creates a Publisher on top of an existing writer.
func NewPublisherWithWriter(writer MessageWriter, topic string, log *logger.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		topic:  topic,
		log:    log.Named("kafka"),
	}
}

// Envelope is the JSON value of every published message.
type Envelope struct {
	Kind types.RecordKind `json:"kind"`
	Data any              `json:"data"`
}

// WriteTickers publishes ticker records.
func (p *Publisher) WriteTickers(ctx context.Context, tickers []types.TickerEvent) error {
	msgs := make([]kafka.Message, 0, len(tickers))

	for _, t := range tickers {
		msg, err := p.message(types.RecordKindTicker, t.Symbol, t.EventTime, types.NewTickerData(t))
		if err != nil {
			return err
		}

		msgs = append(msgs, msg)
	}

	return p.publish(ctx, types.RecordKindTicker, msgs)
}

// WriteTrades publishes trade records. The trade id travels in a header so
// consumers can drop redeliveries without decoding the value.
func (p *Publisher) WriteTrades(ctx context.Context, trades []types.TradeEvent) error {
	msgs := make([]kafka.Message, 0, len(trades))

	for _, t := range trades {
		data := types.NewTradeMessage(t).Data

		msg, err := p.message(types.RecordKindTrade, t.Symbol, t.EventTime, data)
		if err != nil {
			return err
		}

		msg.Headers = append(msg.Headers, kafka.Header{Key: "trade_id", Value: []byte(strconv.FormatInt(t.TradeID, 10))})
		msgs = append(msgs, msg)
	}

	return p.publish(ctx, types.RecordKindTrade, msgs)
}

// WriteCandles publishes closed candles.
func (p *Publisher) WriteCandles(ctx context.Context, candles []types.Candle) error {
	msgs := make([]kafka.Message, 0, len(candles))

	for _, c := range candles {
		msg, err := p.message(types.RecordKindCandle, c.Symbol, c.Start, types.NewCandleData(c))
		if err != nil {
			return err
		}

		msgs = append(msgs, msg)
	}

	return p.publish(ctx, types.RecordKindCandle, msgs)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return errors.Wrap(errors.ErrCodePersistenceWrite, "failed to close kafka writer", err)
	}

	return nil
}

func (p *Publisher) message(kind types.RecordKind, symbol types.Symbol, at time.Time, data any) (kafka.Message, error) {
	value, err := json.Marshal(Envelope{Kind: kind, Data: data})
	if err != nil {
		return kafka.Message{}, errors.Wrap(errors.ErrCodePersistenceWrite, "failed to encode kafka message", err)
	}

	return kafka.Message{
		Key:     []byte(symbol),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: HeaderKind, Value: []byte(kind)}},
	}, nil
}

func (p *Publisher) publish(ctx context.Context, kind types.RecordKind, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(errors.ErrCodePersistenceWrite, err, "failed to publish %d %s messages", len(msgs), kind)
	}

	p.log.Debug("Published records",
		zap.String("topic", p.topic),
		zap.String("kind", string(kind)),
		zap.Int("count", len(msgs)),
	)

	return nil
}

var (
	_ sink.Writer   = (*Publisher)(nil)
	_ MessageWriter = (*kafka.Writer)(nil)
)
