package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"checkout-service/internal/client"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume payment notifications and email receipts",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mailer.APIKey == "" {
		return errors.New("MAILERSEND_API_KEY is required for the receipt worker")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := client.NewKafkaConsumer(cfg, cfg.Kafka.NotificationsTopic, cfg.Kafka.GroupID)
	defer consumer.Close()

	w := worker.NewReceiptWorker(consumer, client.NewMailerClient(cfg), worker.ReceiptWorkerConfig{})
	err = w.Run(ctx)
	util.Sync()
	return err
}
