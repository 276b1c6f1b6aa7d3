package models

import "time"

// PaymentNotification is published after a committed transition and consumed
// by the receipt worker.
type PaymentNotification struct {
	Reference  string        `json:"reference"`
	Type       PaymentType   `json:"type"`
	Status     PaymentStatus `json:"status"`
	Email      string        `json:"email"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Votes      int           `json:"votes,omitempty"`
	ArtistID   string        `json:"artistId,omitempty"`
	EventID    string        `json:"eventId,omitempty"`
	Quantity   int           `json:"quantity,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// PaymentAuditEvent is indexed in Elasticsearch and written to ClickHouse.
type PaymentAuditEvent struct {
	EventID     string        `json:"event_id" ch:"event_id"`
	EventBucket int32         `json:"event_bucket" ch:"event_bucket"`
	Reference   string        `json:"reference" ch:"reference"`
	PaymentType string        `json:"payment_type" ch:"payment_type"`
	FromStatus  PaymentStatus `json:"from_status" ch:"from_status"`
	ToStatus    PaymentStatus `json:"to_status" ch:"to_status"`
	Amount      int64         `json:"amount" ch:"amount"`
	Currency    string        `json:"currency" ch:"currency"`
	Source      string        `json:"source" ch:"source"`
	Reason      string        `json:"reason,omitempty" ch:"reason"`
	OccurredAt  time.Time     `json:"occurred_at" ch:"occurred_at"`
}
