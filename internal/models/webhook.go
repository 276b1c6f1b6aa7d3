package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
	eventTransferPref  = "transfer."
)

// WebhookEvent is the decoded Paystack envelope. It is never persisted.
type WebhookEvent struct {
	Event string      `json:"event" validate:"required"`
	Data  WebhookData `json:"data"`
}

func (e *WebhookEvent) IsTransfer() bool {
	return strings.HasPrefix(e.Event, eventTransferPref)
}

type WebhookData struct {
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	PaidAt          *time.Time      `json:"paid_at"`
	GatewayResponse string          `json:"gateway_response"`
	Metadata        json.RawMessage `json:"metadata"`
	Customer        struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// ChargeResult is the provider-neutral input to reconciliation, built from a
// webhook or a verify call.
type ChargeResult struct {
	Reference string
	Success   bool
	Amount    int64
	Currency  string
	PaidAt    time.Time
	Reason    string
	Raw       json.RawMessage
	Source    string
}
