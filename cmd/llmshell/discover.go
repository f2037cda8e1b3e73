package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"llmshell/internal/adapter/discovery"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
)

// runDiscover browses mDNS for advertised workers and prints them.
func runDiscover(flags cliFlags) error {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Scanning for workers (%s)...\n", cfg.Discovery.ScanTimeout)
	workers, err := discovery.NewMDNS(cfg.Discovery, nil, log).Scan(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers found.")
		return nil
	}
	for _, w := range workers {
		fmt.Println("  " + discovery.FormatWorker(w))
	}
	fmt.Printf("\nConnect with worker.mode: %s and worker.address set to one of the addresses above.\n", workers[0].Transport)
	return nil
}
