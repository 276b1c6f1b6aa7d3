package scylla

import (
	"context"
	"errors"

	"checkout-service/internal/models"
)

var ErrOTPNotFound = errors.New("otp record not found")

// OTPRepository stores issued codes. Mutations after insert are
// compare-and-set so concurrent verifications cannot both consume a code.
type OTPRepository interface {
	CreateOTP(ctx context.Context, record *models.OTPRecord) error
	// GetLatestOTP returns ErrOTPNotFound when the identifier has no rows.
	GetLatestOTP(ctx context.Context, identifierHash string) (*models.OTPRecord, error)
	// InvalidateActive marks every unused record for the identifier used and
	// returns how many it changed.
	InvalidateActive(ctx context.Context, identifierHash string) (int, error)
	// CompareAndSetAttempts sets attempts to next only if it still equals
	// expected and the record is unused. On a lost race it returns the
	// current attempts and used flag.
	CompareAndSetAttempts(ctx context.Context, record *models.OTPRecord, expected, next int) (applied bool, current int, used bool, err error)
	// MarkUsed flips is_used from false to true; applied is false if another
	// caller got there first.
	MarkUsed(ctx context.Context, record *models.OTPRecord) (applied bool, err error)
	HealthCheck(ctx context.Context) error
}
