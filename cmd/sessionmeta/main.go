package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sessionmeta/internal/cli"
	"sessionmeta/internal/config"
	"sessionmeta/internal/logging"
	"sessionmeta/internal/metrics"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/session"
	"sessionmeta/internal/storage"
	"sessionmeta/internal/writer"
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
		return err
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	metrics.Init(store.DB, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := session.NewHandler(writer.New(logger), logger)
	// Settings are read per event so --set overrides applied during flag
	// parsing reach the worker. Queued events are drained by Stop, not
	// dropped on interrupt.
	settings := func() config.Settings { return cfg.Settings }
	pipe := pipeline.New(context.Background(), cfg.Processing.QueueSize, logger, store, handler, settings)
	defer pipe.Stop()

	root := cli.NewRootCmd(cfg, logger, store, pipe)
	root.SilenceErrors = true
	return root.ExecuteContext(ctx)
}
