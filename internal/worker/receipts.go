package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

type ReceiptSender interface {
	SendReceipt(ctx context.Context, n *models.PaymentNotification) error
}

type ReceiptWorkerConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// ReceiptWorker emails a receipt for every completed payment notification.
// Offsets are committed once a message is handled or given up on, so a
// crash replays at most the in-flight message.
type ReceiptWorker struct {
	source MessageSource
	sender ReceiptSender
	cfg    ReceiptWorkerConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewReceiptWorker(source MessageSource, sender ReceiptSender, cfg ReceiptWorkerConfig) *ReceiptWorker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &ReceiptWorker{source: source, sender: sender, cfg: cfg, sleep: sleepCtx}
}

// Run consumes until ctx is cancelled.
func (w *ReceiptWorker) Run(ctx context.Context) error {
	util.Info("Receipt worker started")
	for {
		msg, err := w.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				util.Info("Receipt worker stopped")
				return nil
			}
			util.Error("Failed to fetch notification", util.ErrorField(err))
			if err := w.sleep(ctx, w.cfg.RetryBackoff); err != nil {
				return nil
			}
			continue
		}

		w.Handle(ctx, msg)

		if err := w.source.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			util.Error("Failed to commit notification offset",
				util.String("key", string(msg.Key)),
				util.Int64("offset", msg.Offset),
				util.ErrorField(err))
		}
	}
}

// Handle processes one message. Malformed or irrelevant messages are skipped.
func (w *ReceiptWorker) Handle(ctx context.Context, msg kafka.Message) {
	var n models.PaymentNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		util.Warn("Dropping malformed notification",
			util.Int64("offset", msg.Offset),
			util.ErrorField(err))
		return
	}
	if n.Status != models.PaymentCompleted || n.Email == "" {
		return
	}

	for attempt := 1; ; attempt++ {
		err := w.sender.SendReceipt(ctx, &n)
		if err == nil {
			util.Info("Receipt sent",
				util.String("reference", n.Reference),
				util.String("type", string(n.Type)))
			return
		}
		if attempt >= w.cfg.MaxRetries || errors.Is(err, context.Canceled) {
			util.Error("Giving up on receipt",
				util.String("reference", n.Reference),
				util.Int("attempts", attempt),
				util.ErrorField(err))
			return
		}
		util.Warn("Receipt delivery failed, retrying",
			util.String("reference", n.Reference),
			util.Int("attempt", attempt),
			util.ErrorField(err))
		if err := w.sleep(ctx, w.cfg.RetryBackoff*time.Duration(1<<(attempt-1))); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
