package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

// ChargeHandler applies a verified charge outcome.
type ChargeHandler interface {
	OnChargeSuccess(ctx context.Context, charge *models.ChargeResult) (models.ReconcileOutcome, error)
	OnChargeFailure(ctx context.Context, charge *models.ChargeResult) (models.ReconcileOutcome, error)
}

// WebhookVerifier authenticates provider callbacks and routes them to the
// reconciler. Nothing in the body is read before the signature passes.
type WebhookVerifier struct {
	secret  []byte
	handler ChargeHandler
}

func NewWebhookVerifier(secret string, handler ChargeHandler) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret), handler: handler}
}

// Verify checks the hex HMAC-SHA512 of the raw body.
func (w *WebhookVerifier) Verify(rawBody []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, w.secret)
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), given) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle verifies, decodes and dispatches one delivery. Unknown and
// transfer events are accepted and ignored.
func (w *WebhookVerifier) Handle(ctx context.Context, rawBody []byte, signature string) (models.ReconcileOutcome, error) {
	if err := w.Verify(rawBody, signature); err != nil {
		util.Warn("Webhook signature rejected", util.ErrorField(err))
		return "", err
	}

	var event models.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return "", fmt.Errorf("%w: malformed webhook body", ErrValidation)
	}
	if err := validateStruct(&event); err != nil {
		return "", err
	}

	switch {
	case event.Event == models.EventChargeSuccess:
		return w.handler.OnChargeSuccess(ctx, chargeFromEvent(&event, rawBody, true))
	case event.Event == models.EventChargeFailed:
		return w.handler.OnChargeFailure(ctx, chargeFromEvent(&event, rawBody, false))
	case event.IsTransfer():
		util.Debug("Ignoring transfer webhook", util.String("event", event.Event))
	default:
		util.Info("Ignoring unknown webhook event", util.String("event", event.Event))
	}
	return models.OutcomeNoop, nil
}

func chargeFromEvent(event *models.WebhookEvent, raw []byte, success bool) *models.ChargeResult {
	charge := &models.ChargeResult{
		Reference: event.Data.Reference,
		Success:   success,
		Amount:    event.Data.Amount,
		Currency:  event.Data.Currency,
		Raw:       raw,
		Source:    "webhook",
	}
	if event.Data.PaidAt != nil {
		charge.PaidAt = *event.Data.PaidAt
	} else {
		charge.PaidAt = time.Now().UTC()
	}
	if !success {
		charge.Reason = event.Data.GatewayResponse
		if charge.Reason == "" {
			charge.Reason = "charge_failed"
		}
	}
	return charge
}
