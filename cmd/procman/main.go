// cmd/procman/main.go
//
// This is the entry point for the procman CLI.
//
// Flow:
// 1. Subcommands (init, validate, serve) run and exit
// 2. Otherwise load .procman/config.yaml from the working directory
// 3. Open the process manager and launch the TUI

package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/procman/internal/auth"
	"github.com/kingrea/procman/internal/config"
	"github.com/kingrea/procman/internal/logging"
	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/procman"
	"github.com/kingrea/procman/internal/tui"
)

// tokenEnv carries the session token when auth mode is jwt.
const tokenEnv = "PROCMAN_TOKEN"

func main() {
	if handleInitCommand() || handleValidateCommand() || handleServeCommand() {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitProcmanDir(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing .procman directory: %v\n", err)
		os.Exit(1)
	}
	cfg, log := mustLoad(cwd)
	defer log.Close()

	ctx := context.Background()
	m, err := procman.Open(ctx, cfg, log, metrics.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening process manager: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	p := tea.NewProgram(
		tui.NewApp(m, tui.WithSession(auth.Session{Token: os.Getenv(tokenEnv)})),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}

// mustLoad reads the project configuration and opens the project log file.
func mustLoad(projectDir string) (*config.Config, *logging.Logger) {
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(projectDir, cfg.LogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		os.Exit(1)
	}
	return cfg, log
}

func handleInitCommand() bool {
	if len(os.Args) < 2 || os.Args[1] != "init" {
		return false
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitProcmanDir(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing .procman directory: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", config.ProcmanDir)
	return true
}
