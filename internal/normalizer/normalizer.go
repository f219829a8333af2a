// Package normalizer turns raw exchange feed payloads into typed market events.
package normalizer

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/rxtech-lab/market-stream/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrIgnored is returned for well-formed payloads that carry no market event,
// such as subscription acknowledgements and heartbeats.
var ErrIgnored = errors.New(errors.ErrCodeIgnoredMessage, "message carries no market event")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

type envelope struct {
	Type string `json:"type"`
}

type tickerPayload struct {
	ProductID string `json:"product_id" validate:"required"`
	Price     string `json:"price" validate:"required,numeric"`
	BestBid   string `json:"best_bid" validate:"required,numeric"`
	BestAsk   string `json:"best_ask" validate:"required,numeric"`
	Volume24h string `json:"volume_24h" validate:"required,numeric"`
	Time      string `json:"time" validate:"required"`
}

type matchPayload struct {
	ProductID string `json:"product_id" validate:"required"`
	TradeID   int64  `json:"trade_id" validate:"required,gt=0"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	Side      string `json:"side" validate:"required,oneof=buy sell"`
	Time      string `json:"time" validate:"required"`
}

type errorPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Normalizer validates feed payloads against the configured symbol set.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	symbols map[types.Symbol]struct{}
}

// New creates a Normalizer that accepts only the given symbols.
func New(symbols []types.Symbol) *Normalizer {
	set := make(map[types.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}

	return &Normalizer{symbols: set}
}

// Normalize parses one raw payload.
//
// It returns a types.TickerEvent or types.TradeEvent on success, ErrIgnored for
// control messages, an *errors.Error with ErrCodeFeedError when the exchange
// reports an error, and *errors.MalformedInputError for anything that fails
// validation.
func (n *Normalizer) Normalize(raw []byte) (types.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewMalformedInputError("", "invalid json", raw, err)
	}

	switch env.Type {
	case "ticker":
		return n.normalizeTicker(raw)
	case "match", "last_match":
		return n.normalizeMatch(raw)
	case "error":
		var payload errorPayload
		_ = json.Unmarshal(raw, &payload)

		return nil, errors.Newf(errors.ErrCodeFeedError, "feed reported error: %s (%s)", payload.Message, payload.Reason)
	case "":
		return nil, errors.NewMalformedInputError("type", "missing message type", raw, nil)
	default:
		return nil, ErrIgnored
	}
}

func (n *Normalizer) normalizeTicker(raw []byte) (types.Event, error) {
	var payload tickerPayload
	if err := decode(raw, &payload); err != nil {
		return nil, err
	}

	symbol, err := n.symbol(payload.ProductID, raw)
	if err != nil {
		return nil, err
	}

	eventTime, err := parseTime(payload.Time, raw)
	if err != nil {
		return nil, err
	}

	fields := []struct {
		name  string
		value string
	}{
		{"price", payload.Price},
		{"best_bid", payload.BestBid},
		{"best_ask", payload.BestAsk},
		{"volume_24h", payload.Volume24h},
	}

	values := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		values[i], err = parseNonNegative(f.name, f.value, raw)
		if err != nil {
			return nil, err
		}
	}

	return types.TickerEvent{
		Symbol:    symbol,
		LastPrice: values[0],
		BestBid:   values[1],
		BestAsk:   values[2],
		Volume24h: values[3],
		EventTime: eventTime,
	}, nil
}

func (n *Normalizer) normalizeMatch(raw []byte) (types.Event, error) {
	var payload matchPayload
	if err := decode(raw, &payload); err != nil {
		return nil, err
	}

	symbol, err := n.symbol(payload.ProductID, raw)
	if err != nil {
		return nil, err
	}

	eventTime, err := parseTime(payload.Time, raw)
	if err != nil {
		return nil, err
	}

	price, err := parseNonNegative("price", payload.Price, raw)
	if err != nil {
		return nil, err
	}

	size, err := decimal.NewFromString(payload.Size)
	if err != nil {
		return nil, errors.NewMalformedInputError("size", "not a decimal", raw, err)
	}

	if !size.IsPositive() {
		return nil, errors.NewMalformedInputError("size", "must be positive", raw, nil)
	}

	return types.TradeEvent{
		Symbol:     symbol,
		TradePrice: price,
		Size:       size,
		Side:       types.Side(payload.Side),
		TradeID:    payload.TradeID,
		EventTime:  eventTime,
	}, nil
}

func (n *Normalizer) symbol(productID string, raw []byte) (types.Symbol, error) {
	symbol := types.Symbol(productID)
	if _, ok := n.symbols[symbol]; !ok {
		return "", errors.NewMalformedInputError("product_id", "symbol "+productID+" is not configured", raw,
			errors.Newf(errors.ErrCodeUnknownSymbol, "unknown symbol %q", productID))
	}

	return symbol, nil
}

// decode unmarshals raw into payload and runs struct validation.
func decode(raw []byte, payload any) error {
	if err := json.Unmarshal(raw, payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errors.NewMalformedInputError(typeErr.Field, "wrong type: expected "+typeErr.Type.String(), raw, err)
		}

		return errors.NewMalformedInputError("", "invalid json", raw, err)
	}

	if err := validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			if fe.Tag() == "required" {
				err = errors.Wrapf(errors.ErrCodeMissingParameter, err, "missing %s", fe.Field())
			}

			return errors.NewMalformedInputError(fe.Field(), "failed "+fe.Tag()+" validation", raw, err)
		}

		return errors.NewMalformedInputError("", "validation failed", raw, err)
	}

	return nil
}

func parseNonNegative(field, value string, raw []byte) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errors.NewMalformedInputError(field, "not a decimal", raw, err)
	}

	if d.IsNegative() {
		return decimal.Zero, errors.NewMalformedInputError(field, "must not be negative", raw, nil)
	}

	return d, nil
}

func parseTime(value string, raw []byte) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.NewMalformedInputError("time", "not an RFC3339 timestamp", raw, err)
	}

	return t.UTC(), nil
}
