package mocks

import (
	"math"
	"math/rand"
	"time"

	"github.com/rxtech-lab/market-stream/internal/types"
	"github.com/shopspring/decimal"
)

// DataGenerator generates realistic trade streams for testing and benchmarking.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator creates a new DataGenerator with the given seed.
// Use a fixed seed for reproducible results in tests.
func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how trades are generated.
type GeneratorConfig struct {
	// Symbol is the product id (e.g., "BTC-USD")
	Symbol types.Symbol
	// StartTime is the time of the first trade
	StartTime time.Time
	// Spacing is the time between consecutive trades
	Spacing time.Duration
	// Count is the number of trades to generate
	Count int
	// FirstTradeID is the id of the first trade; ids increase by one
	FirstTradeID int64
	// InitialPrice is the starting price
	InitialPrice float64
	// Volatility controls the per-trade price movement (0.001 = 0.1%)
	Volatility float64
	// SizeBase is the average trade size
	SizeBase float64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Symbol:       "BTC-USD",
		StartTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Spacing:      250 * time.Millisecond,
		Count:        10000,
		FirstTradeID: 1,
		InitialPrice: 42000.0,
		Volatility:   0.0005,
		SizeBase:     0.05,
	}
}

// Generate creates trades following a geometric Brownian motion price path.
func (g *DataGenerator) Generate(config GeneratorConfig) []types.TradeEvent {
	trades := make([]types.TradeEvent, config.Count)
	price := config.InitialPrice
	at := config.StartTime

	for i := 0; i < config.Count; i++ {
		// Box-Muller transform for a normal step
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		next := price * (1 + config.Volatility*z)
		if next <= 0 {
			next = price * 0.99
		}

		side := types.SideBuy
		if next < price {
			side = types.SideSell
		}

		size := config.SizeBase * (0.1 + g.rng.Float64()*1.9)

		trades[i] = types.TradeEvent{
			Symbol:     config.Symbol,
			TradePrice: decimal.NewFromFloat(next).Round(2),
			Size:       decimal.NewFromFloat(size).Round(8),
			Side:       side,
			TradeID:    config.FirstTradeID + int64(i),
			EventTime:  at,
		}

		price = next
		at = at.Add(config.Spacing)
	}

	return trades
}

// GenerateMultiSymbol generates trades for multiple symbols, merged in time order.
func (g *DataGenerator) GenerateMultiSymbol(symbols []types.Symbol, baseConfig GeneratorConfig) []types.TradeEvent {
	perSymbol := make([][]types.TradeEvent, 0, len(symbols))

	for _, symbol := range symbols {
		config := baseConfig
		config.Symbol = symbol
		// Vary initial price and volatility slightly per symbol
		config.InitialPrice = baseConfig.InitialPrice * (0.8 + g.rng.Float64()*0.4)
		config.Volatility = baseConfig.Volatility * (0.8 + g.rng.Float64()*0.4)

		perSymbol = append(perSymbol, g.Generate(config))
	}

	all := make([]types.TradeEvent, 0, len(symbols)*baseConfig.Count)
	for i := 0; i < baseConfig.Count; i++ {
		for _, trades := range perSymbol {
			all = append(all, trades[i])
		}
	}

	return all
}

// Generate10K is a convenience function to generate 10,000 trades
// with default settings for benchmarking.
func Generate10K(symbol types.Symbol) []types.TradeEvent {
	gen := NewDataGenerator(42) // Fixed seed for reproducibility
	config := DefaultConfig()
	config.Symbol = symbol

	return gen.Generate(config)
}
