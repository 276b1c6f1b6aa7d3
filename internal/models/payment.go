package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentType string

const (
	PaymentTypeTicket PaymentType = "ticket_booking"
	PaymentTypeVote   PaymentType = "vote_purchase"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentRefunded
}

// PaymentMetadata carries the type-specific fields of an intent. Only the
// fields for the intent's type are set.
type PaymentMetadata struct {
	ArtistID   string `json:"artistId,omitempty"`
	Votes      int    `json:"votes,omitempty"`
	EventID    string `json:"eventId,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
	TicketType string `json:"ticketType,omitempty"`
}

// PaymentIntent is the local record of one provider transaction. Reference is
// the idempotency key.
type PaymentIntent struct {
	Reference        string          `json:"reference"`
	Type             PaymentType     `json:"type"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Email            string          `json:"email"`
	Status           PaymentStatus   `json:"status"`
	Metadata         PaymentMetadata `json:"metadata"`
	AccessCode       string          `json:"accessCode,omitempty"`
	AuthorizationURL string          `json:"authorizationUrl,omitempty"`
	ProviderResponse json.RawMessage `json:"-"`
	FailureReason    string          `json:"failureReason,omitempty"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type InitializePaymentRequest struct {
	Type              PaymentType     `json:"type" validate:"required,oneof=ticket_booking vote_purchase"`
	Email             string          `json:"email" validate:"required,email,max=254"`
	Amount            decimal.Decimal `json:"amount"`
	VerificationToken string          `json:"verificationToken,omitempty"`
	ArtistID          string          `json:"artistId,omitempty" validate:"required_if=Type vote_purchase,omitempty,max=64"`
	Votes             int             `json:"votes,omitempty" validate:"omitempty,min=1,max=100000"`
	EventID           string          `json:"eventId,omitempty" validate:"required_if=Type ticket_booking,omitempty,max=64"`
	Quantity          int             `json:"quantity,omitempty" validate:"required_if=Type ticket_booking,omitempty,min=1,max=100"`
	TicketType        string          `json:"ticketType,omitempty" validate:"omitempty,max=64"`
}

type InitializePaymentResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	Reference        string `json:"reference"`
	AccessCode       string `json:"accessCode"`
}

// ReconcileOutcome reports what a reconciliation call did.
type ReconcileOutcome string

const (
	OutcomeApplied  ReconcileOutcome = "applied"
	OutcomeNoop     ReconcileOutcome = "noop"
	OutcomeNotFound ReconcileOutcome = "not_found"
)

// Transition is the row returned by a conditional status update.
type Transition struct {
	Intent     *PaymentIntent
	FromStatus PaymentStatus
}

type VoteTally struct {
	ArtistID     string `json:"artistId"`
	VoteCount    int64  `json:"voteCount"`
	AmountRaised int64  `json:"amountRaised"`
}
