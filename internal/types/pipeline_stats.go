package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineStats contains counters for one run of the streaming pipeline.
type PipelineStats struct {
	// SessionStart is when the pipeline started.
	SessionStart time.Time `yaml:"session_start" json:"session_start"`

	// LastUpdated is when these counters were captured.
	LastUpdated time.Time `yaml:"last_updated" json:"last_updated"`

	// Symbols being streamed.
	Symbols []Symbol `yaml:"symbols" json:"symbols"`

	// FeedState is the feed connection state at capture time.
	FeedState FeedState `yaml:"feed_state" json:"feed_state"`

	// Ingest counts what came in from the feed.
	Ingest IngestStats `yaml:"ingest" json:"ingest"`

	// Delivery counts subscriber fan-out outcomes.
	Delivery DeliveryStats `yaml:"delivery" json:"delivery"`

	// Persistence counts sink outcomes.
	Persistence PersistenceStats `yaml:"persistence" json:"persistence"`
}

// IngestStats counts inbound messages and the events derived from them.
type IngestStats struct {
	Messages        int64 `yaml:"messages" json:"messages"`
	Tickers         int64 `yaml:"tickers" json:"tickers"`
	Trades          int64 `yaml:"trades" json:"trades"`
	CandlesClosed   int64 `yaml:"candles_closed" json:"candles_closed"`
	MalformedInputs int64 `yaml:"malformed_inputs" json:"malformed_inputs"`
	LateEvents      int64 `yaml:"late_events" json:"late_events"`
	DuplicateTrades int64 `yaml:"duplicate_trades" json:"duplicate_trades"`
	FeedErrors      int64 `yaml:"feed_errors" json:"feed_errors"`
	Reconnects      int64 `yaml:"reconnects" json:"reconnects"`
}

// DeliveryStats counts subscriber-side outcomes.
type DeliveryStats struct {
	Subscribers     int   `yaml:"subscribers" json:"subscribers"`
	Evictions       int64 `yaml:"evictions" json:"evictions"`
	DroppedMessages int64 `yaml:"dropped_messages" json:"dropped_messages"`
	// SendFailures and OverflowEvictions split Evictions by cause.
	SendFailures      int64 `yaml:"send_failures" json:"send_failures"`
	OverflowEvictions int64 `yaml:"overflow_evictions" json:"overflow_evictions"`
}

// PersistenceStats counts sink-side outcomes.
type PersistenceStats struct {
	WriteFailures  int64 `yaml:"write_failures" json:"write_failures"`
	DroppedRecords int64 `yaml:"dropped_records" json:"dropped_records"`
}

// WritePipelineStats writes pipeline statistics to a YAML file.
func WritePipelineStats(path string, stats PipelineStats) error {
	data, err := yaml.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline stats to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pipeline stats to file: %w", err)
	}

	return nil
}

// ReadPipelineStats reads pipeline statistics from a YAML file.
func ReadPipelineStats(path string) (PipelineStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineStats{}, fmt.Errorf("failed to read pipeline stats file: %w", err)
	}

	var stats PipelineStats
	if err := yaml.Unmarshal(data, &stats); err != nil {
		return PipelineStats{}, fmt.Errorf("failed to unmarshal pipeline stats: %w", err)
	}

	return stats, nil
}
