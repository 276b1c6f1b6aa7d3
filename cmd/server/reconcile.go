package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"checkout-service/internal/factory"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <reference>",
	Short: "Verify a payment with Paystack and apply the result",
	Long: `Look up a transaction at Paystack and feed the result through the same
reconciliation path as webhooks. Safe to repeat.

Examples:
  checkout reconcile VOTE_1A2B3C_0F9E8D7C6B`,
	Args: cobra.ExactArgs(1),
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	f, err := factory.NewFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	intent, outcome, err := f.ServiceFactory().Reconciler().VerifyAndReconcile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", args[0], err)
	}

	out := map[string]interface{}{
		"reference": args[0],
		"outcome":   outcome,
	}
	if intent != nil {
		out["status"] = intent.Status
		out["amount"] = intent.Amount
		out["currency"] = intent.Currency
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
