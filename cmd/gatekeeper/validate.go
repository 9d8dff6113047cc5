package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worldloom/gatekeeper/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		table, err := cfg.PricingTable()
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		fmt.Println("Configuration valid")
		fmt.Printf("  Rules:   %d\n", len(cfg.RateLimit.Rules))
		fmt.Printf("  Models:  %d\n", len(table.Models()))
		fmt.Printf("  Quota:   %s/%s\n", cfg.Quota.Unit, cfg.Quota.Period)
		fmt.Printf("  Ledger:  %s\n", cfg.Ledger.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
