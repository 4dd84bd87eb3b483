package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/opsserver"
	"github.com/kingrea/procman/internal/procman"
)

// handleServeCommand runs the manager headless with the ops server until
// SIGINT or SIGTERM.
func handleServeCommand() bool {
	if len(os.Args) < 2 || os.Args[1] != "serve" {
		return false
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}
	cfg, log := mustLoad(cwd)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mx := metrics.New()
	m, err := procman.Open(ctx, cfg, log, mx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening process manager: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	srv := opsserver.New(opsserver.SettingsFromConfig(cfg), m,
		opsserver.WithMetricsHandler(mx.Handler()),
		opsserver.WithLogger(log.WithField("component", "opsserver")))
	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, opsserver.ErrDisabled) {
			fmt.Fprintln(os.Stderr, "The ops server is disabled; set ops.enabled in .procman/config.yaml")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error starting ops server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Serving on %s\n", srv.BaseURL())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ops server shutdown")
	}
	return true
}
