package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"astralign/internal/cli"
	"astralign/internal/config"
	"astralign/internal/logging"
	"astralign/internal/pipeline"
	"astralign/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	pipe := pipeline.New(ctx, cfg.Processing.Workers, log, store, cfg.Alignment)
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, log, store)
	return root.Run(ctx, args)
}
