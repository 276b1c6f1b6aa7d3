package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "checkout",
	Short:         "OTP verification and Paystack checkout service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration and initializes the global
// logger. Every subcommand starts here.
func loadConfig() (*config.Config, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
