package postgres

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
)

var (
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrDuplicateReference = errors.New("payment reference already exists")
	// ErrUnknownTarget means the artist or event referenced by a new intent
	// does not exist.
	ErrUnknownTarget = errors.New("referenced artist or event not found")
)

// PaymentRepository owns payment intents and the domain rows they settle.
// Every transition is conditional on a non-terminal status, so replays apply
// nothing.
type PaymentRepository interface {
	// CreateIntent inserts a pending intent and its vote purchase or booking
	// in one transaction.
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	// MarkProcessing stores the provider handles and moves pending to
	// processing. It reports whether the status moved.
	MarkProcessing(ctx context.Context, reference, accessCode, authorizationURL string, providerResponse []byte) (bool, error)
	// CompletePayment moves a non-terminal intent to completed and applies
	// the domain tally. It returns nil when the intent was already terminal.
	CompletePayment(ctx context.Context, reference string, paidAt time.Time, providerResponse []byte) (*models.Transition, error)
	// FailPayment moves a non-terminal intent to failed. It returns nil when
	// the intent was already terminal.
	FailPayment(ctx context.Context, reference, reason string, providerResponse []byte) (*models.Transition, error)
	GetIntent(ctx context.Context, reference string) (*models.PaymentIntent, error)
	GetVoteTally(ctx context.Context, artistID string) (*models.VoteTally, error)
	Ready(ctx context.Context) error
}
