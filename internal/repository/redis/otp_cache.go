package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/util"
)

const (
	otpFailuresPrefix = "otp_failures:"
	otpLastSentPrefix = "otp_last_sent:"
)

// OTPCache keeps the per-identifier state behind backoff and the CAPTCHA gate:
// a failed-verification counter and the time of the last issued code. Keys
// use the identifier hash, never the raw identifier.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

// RecordFailure increments the failure counter and refreshes its TTL.
func (c *OTPCache) RecordFailure(ctx context.Context, identifierHash string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, otpFailuresPrefix+identifierHash, window)
	if err != nil {
		util.Error("Failed to record OTP failure", util.String("identifier_hash", identifierHash), util.ErrorField(err))
		return 0, fmt.Errorf("failed to record OTP failure: %w", err)
	}
	return int(count), nil
}

func (c *OTPCache) GetFailures(ctx context.Context, identifierHash string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, otpFailuresPrefix+identifierHash)
	if errors.Is(err, client.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get OTP failures: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid failure count format: %w", err)
	}
	return count, nil
}

func (c *OTPCache) ResetFailures(ctx context.Context, identifierHash string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, otpFailuresPrefix+identifierHash); err != nil {
		return fmt.Errorf("failed to reset OTP failures: %w", err)
	}
	return nil
}

// SetLastSent stores the issue time in unix milliseconds.
func (c *OTPCache) SetLastSent(ctx context.Context, identifierHash string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, otpLastSentPrefix+identifierHash, at.UnixMilli(), ttl); err != nil {
		return fmt.Errorf("failed to set OTP last sent: %w", err)
	}
	return nil
}

// GetLastSent returns the zero time when no code was issued recently.
func (c *OTPCache) GetLastSent(ctx context.Context, identifierHash string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, otpLastSentPrefix+identifierHash)
	if errors.Is(err, client.ErrCacheMiss) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get OTP last sent: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last sent format: %w", err)
	}
	return time.UnixMilli(ms), nil
}
