package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rxtech-lab/market-stream/internal/aggregator"
	"github.com/rxtech-lab/market-stream/internal/config"
	"github.com/rxtech-lab/market-stream/internal/feed"
	"github.com/rxtech-lab/market-stream/internal/hub"
	"github.com/rxtech-lab/market-stream/internal/logger"
	"github.com/rxtech-lab/market-stream/internal/pipeline"
	"github.com/rxtech-lab/market-stream/internal/server"
	"github.com/rxtech-lab/market-stream/internal/version"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	schemaFileName = "marketstream-config.json"
	sampleFileName = "marketstream-config.yaml"
)

// runAction starts the pipeline and the HTTP server and blocks until SIGINT
// or SIGTERM.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	if level := cmd.String("log-level"); level != "" {
		cfg.App.LogLevel = level
	}

	logr, err := logger.NewLoggerWithLevel(cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logr.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, readers, err := buildSinks(ctx, cfg, logr)
	if err != nil {
		return err
	}

	conn := feed.NewConnection(cfg.FeedOptions(), logr)
	broadcast := hub.New(cfg.HubOptions(), logr)

	engine := pipeline.NewEngine(cfg.PipelineOptions(), pipeline.Dependencies{
		Source:     conn,
		Hub:        broadcast,
		Sink:       records,
		Aggregator: aggregator.New(cfg.AggregatorOptions()),
		Stats:      nil,
	}, logr)
	conn.OnStateChange(engine.HandleFeedState)
	broadcast.OnEvict(engine.HandleEviction)

	srv := server.New(cfg.ServerOptions(), broadcast, engine, readers, logr)

	logr.Info("Starting marketstream",
		zap.String("version", version.GetVersion()),
		zap.Strings("symbols", cfg.Feed.Symbols),
		zap.Strings("intervals", cfg.Aggregator.Intervals),
		zap.String("address", cfg.Server.Address),
	)

	// The pipeline owns the hub, so the server stops first and then the
	// pipeline drains subscribers and sinks.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return engine.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		logr.Error("marketstream stopped with error", zap.Error(err))
		return err
	}

	logr.Info("marketstream stopped")

	return nil
}

// schemaAction prints the config JSON schema, or writes it together with a
// sample config when --output is set.
func schemaAction(_ context.Context, cmd *cli.Command) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}

	dir := cmd.String("output")
	if dir == "" {
		_, err = fmt.Fprintln(cmd.Root().Writer, string(schema))
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, schemaFileName), schema, 0644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}

	sample, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to marshal sample config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, sampleFileName), sample, 0644); err != nil {
		return fmt.Errorf("failed to write sample config: %w", err)
	}

	return nil
}

func versionAction(_ context.Context, cmd *cli.Command) error {
	_, err := fmt.Fprintln(cmd.Root().Writer, version.GetVersion())
	return err
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "marketstream",
		Usage: "Stream Coinbase market data into candles, subscribers and storage",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the streaming pipeline and HTTP server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to a YAML config file",
						Sources: cli.EnvVars(config.EnvPrefix + "CONFIG"),
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "Override app.log_level (debug, info, warn, error)",
					},
				},
				Action: runAction,
			},
			{
				Name:  "schema",
				Usage: "Print the config JSON schema",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Directory to write the schema and a sample config to",
					},
				},
				Action: schemaAction,
			},
			{
				Name:   "version",
				Usage:  "Print the version",
				Action: versionAction,
			},
		},
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
