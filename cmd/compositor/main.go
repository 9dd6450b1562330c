// Command compositor builds a per-pixel best-scene composite from
// co-registered satellite rasters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"compositor/internal/cli"
	"compositor/internal/config"
	"compositor/internal/logging"
	"compositor/internal/pipeline"
	"compositor/internal/raster"
	"compositor/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "compositor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if cfg.Raster.Driver != "" {
		if err := raster.Prefer(cfg.Raster.Driver); err != nil {
			return err
		}
	}

	var store *storage.Store
	if cfg.Paths.DatabasePath != "" {
		store, err = storage.New(cfg.Paths.DatabasePath)
		if err != nil {
			logger.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(logger, cfg.Processing)
	pipe := pipeline.New(ctx, 1, logger, store, runner)
	defer pipe.Stop()

	return cli.Execute(ctx, cli.NewRootCmd(cfg, logger, store, pipe), os.Args[1:])
}
