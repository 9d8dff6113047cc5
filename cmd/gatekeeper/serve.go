package main

import (
	"github.com/spf13/cobra"

	"github.com/worldloom/gatekeeper/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission control server",
	Long: `Start the Gatekeeper server.

The server will:
  - Load configuration from gatekeeper.yaml (or --config), with
    GATEKEEPER_* environment variables overriding the file
  - Open the SQLite usage ledger and run migrations
  - Connect to Redis for shared rate limit counters when configured,
    falling back to in-process counters otherwise
  - Serve the admission middleware, /healthz and /metrics

Environment variables (for container deployments):
  GATEKEEPER_STORE_REDIS_ADDR  - Redis address; empty = in-process counters
  GATEKEEPER_LEDGER_PATH       - SQLite ledger path (default: gatekeeper.db)
  GATEKEEPER_SERVER_PORT       - Server port (default: 8080)
  GATEKEEPER_QUOTA_BUDGET_USD  - Daily spend budget in USD
  GATEKEEPER_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  gatekeeper serve
  gatekeeper serve --config /etc/gatekeeper/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{ConfigPath: cfgFile})
	if err != nil {
		return err
	}
	return app.Run()
}
