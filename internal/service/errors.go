package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrRateLimited     = errors.New("too many requests")
	ErrExhausted       = errors.New("too many verification attempts")
	ErrCaptchaRequired = errors.New("captcha verification required")
	ErrNotFound        = errors.New("not found")

	ErrOTPNotFound = errors.New("no verification code issued")
	ErrExpired     = errors.New("verification code expired")
	ErrMismatch    = errors.New("verification code does not match")
	ErrAlreadyUsed = errors.New("verification code already used")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature is an ErrInvalidSignature with no header at all.
	ErrMissingSignature = fmt.Errorf("%w: header missing", ErrInvalidSignature)

	ErrInvalidToken  = errors.New("invalid verification token")
	ErrProviderError = errors.New("payment or delivery provider error")
	ErrDatabase      = errors.New("database error")
)

// RateLimitError carries how long the caller should wait. It matches
// ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
	Scope      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit, retry after %s", ErrRateLimited, e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the wait from a rate limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsVerificationFailure reports errors that must all look the same to a
// client verifying a code.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrOTPNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrAlreadyUsed)
}
