/*
main.go - Application entry point

PURPOSE:
  The drawdown command serves the API and scheduler, and exposes one-shot
  operations (run, preview, catch-up, rates) for operators.

STARTUP SEQUENCE (serve):
  1. Load config (TOML file, .env, DRAWDOWN_* environment)
  2. Build the zap logger
  3. Open the configured store (memory, sqlite, postgres)
  4. Wire generator, notifier, metrics observer and scheduler
  5. Start the scheduler and HTTP server with graceful shutdown

COMMANDS:
  serve                                  API + scheduler
  run      --org ID [--as-of DATE] [--force]
  preview  --org ID [--as-of DATE]
  catchup  --contract ID [--as-of DATE] [--validate]
  rates    --amount N --start DATE --end DATE [--frequency F]
  settings --org ID [--enabled] [--timezone TZ] [--prefix P]

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight check)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  drawdown serve --config ./drawdown.toml
  DRAWDOWN_DATABASE_DRIVER=memory drawdown rates --amount 1000 --start 2024-01-01 --end 2024-12-31

SEE ALSO:
  - api/server.go: Router configuration
  - automation/scheduler.go: Daily scheduler
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "drawdown",
		Short:         "Automated contract drawdown billing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		runCmd(&configPath),
		previewCmd(&configPath),
		catchupCmd(&configPath),
		ratesCmd(),
		settingsCmd(&configPath),
	)
	return rootCmd
}
