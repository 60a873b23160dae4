package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sfmbatch/internal/cli"
	"sfmbatch/internal/config"
	"sfmbatch/internal/frames"
	"sfmbatch/internal/hloc"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		// the ledger is optional; batches still run without it
		logger.Warn("run ledger unavailable", "path", cfg.Paths.DatabasePath, "error", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := hloc.NewBridge(cfg.Processing.Python, logger)
	pipe := pipeline.New(logger, store, cfg.Processing.FramePrefix, pipeline.Stages{
		Extractor:     hloc.NewExtractor(bridge, cfg.Presets),
		Matcher:       hloc.NewMatcher(bridge, cfg.Presets),
		Reconstructor: hloc.NewReconstructor(bridge, cfg.Presets),
		Prober:        frames.NewMagickProber(),
	})

	rootCmd := cli.NewRootCmd(cfg, logger, store, pipe)
	return rootCmd.ExecuteContext(ctx)
}
