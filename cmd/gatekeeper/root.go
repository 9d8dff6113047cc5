package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Admission control and usage metering for AI generation endpoints",
	Long: `Gatekeeper sits in front of a content-management application's AI
generation routes and enforces per-user rate limits and spend budgets,
metering every attempt into an immutable usage ledger.

Quick start:
  gatekeeper serve     # Start the server
  gatekeeper validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "gatekeeper.yaml", "config file path")
}
