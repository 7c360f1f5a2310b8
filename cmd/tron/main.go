// Package main is the CLI entry point for the tron session engine.
//
// Tron persists agent sessions as an append-only event log in SQLite and
// serves them over a websocket RPC endpoint.
//
// # Basic Usage
//
// Start the engine:
//
//	tron serve --config ~/.tron/config.yaml
//
// Apply database migrations:
//
//	tron migrate
//	tron migrate --status
//
// Inspect stored sessions:
//
//	tron sessions list
//	tron sessions show ses_...
//
// Search the event log:
//
//	tron search "panic in worker"
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Separated from main for testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tron",
		Short: "Tron - event-sourced agent session engine",
		Long: `Tron records agent sessions as an append-only event log in SQLite and
serves them to clients over a websocket RPC endpoint. Conversation state
is never stored; it is replayed from the log on demand, which makes
resume, fork, and mid-turn abort reproducible by construction.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSessionsCmd(),
		buildSearchCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// defaultConfigPath is where serve and friends look when --config is not
// given.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".tron", "config.yaml")
}

// defaultLogFormat picks human-readable text when stderr is a terminal and
// json otherwise. The config file's logging.format overrides it when set.
func defaultLogFormat() string {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "text"
	}
	return "json"
}
