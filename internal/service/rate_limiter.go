package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"checkout-service/internal/config"
	redisrepo "checkout-service/internal/repository/redis"
	"checkout-service/internal/util"
)

const (
	scopeIP         = "ip"
	scopeIdentifier = "identifier"
)

// WindowCounter is the fixed-window counter store.
type WindowCounter interface {
	FixedWindow(ctx context.Context, scope, key string, limit int, window time.Duration) (*redisrepo.WindowResult, error)
}

// FailureStore tracks failed verifications and the last issue time per
// identifier hash.
type FailureStore interface {
	RecordFailure(ctx context.Context, identifierHash string, window time.Duration) (int, error)
	GetFailures(ctx context.Context, identifierHash string) (int, error)
	ResetFailures(ctx context.Context, identifierHash string) error
	SetLastSent(ctx context.Context, identifierHash string, at time.Time, ttl time.Duration) error
	GetLastSent(ctx context.Context, identifierHash string) (time.Time, error)
}

type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// RateLimiter gates OTP issuance: a per-IP and per-identifier fixed window,
// exponential backoff between sends driven by failed verifications, and a
// CAPTCHA requirement once failures reach the threshold.
type RateLimiter struct {
	counter  WindowCounter
	failures FailureStore
	captcha  CaptchaVerifier
	cfg      config.RateLimitConfig
	now      func() time.Time
}

func NewRateLimiter(counter WindowCounter, failures FailureStore, captcha CaptchaVerifier, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		failures: failures,
		captcha:  captcha,
		cfg:      cfg,
		now:      time.Now,
	}
}

// IssueCheck is everything the limiter needs about one issue request.
type IssueCheck struct {
	IdentifierHash string
	IP             string
	CaptchaToken   string
}

// AllowIssue runs every gate for an issue request. Gates that do not count
// (captcha, backoff) run before the window counters so a rejected request
// does not consume quota.
func (rl *RateLimiter) AllowIssue(ctx context.Context, req IssueCheck) error {
	failures, err := rl.failures.GetFailures(ctx, req.IdentifierHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if err := rl.requireCaptcha(ctx, failures, req); err != nil {
		return err
	}
	if err := rl.checkBackoff(ctx, req.IdentifierHash, failures); err != nil {
		return err
	}

	if req.IP != "" {
		if err := rl.Check(ctx, scopeIP, req.IP, rl.cfg.IPLimit, rl.cfg.IPWindow); err != nil {
			return err
		}
	}
	return rl.Check(ctx, scopeIdentifier, req.IdentifierHash, rl.cfg.IdentifierLimit, rl.cfg.IdentifierWindow)
}

// Check counts one request for key in scope, rejecting once limit is reached.
func (rl *RateLimiter) Check(ctx context.Context, scope, key string, limit int, window time.Duration) error {
	result, err := rl.counter.FixedWindow(ctx, scope, key, limit, window)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !result.Allowed {
		util.Warn("Rate limit exceeded",
			util.String("scope", scope),
			util.Int("count", result.Count),
			util.Int("limit", limit))
		return &RateLimitError{Scope: scope, RetryAfter: result.RetryAfter}
	}
	return nil
}

// Backoff returns min(max, 2^failures * base).
func (rl *RateLimiter) Backoff(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	limit := rl.cfg.BackoffMax
	// Past 2^32 the product is above any sane cap.
	if failures > 32 {
		return limit
	}
	wait := time.Duration(math.Pow(2, float64(failures))) * rl.cfg.BackoffBase
	if wait <= 0 || wait > limit {
		return limit
	}
	return wait
}

func (rl *RateLimiter) checkBackoff(ctx context.Context, identifierHash string, failures int) error {
	lastSent, err := rl.failures.GetLastSent(ctx, identifierHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if lastSent.IsZero() {
		return nil
	}

	wait := rl.Backoff(failures)
	if remaining := lastSent.Add(wait).Sub(rl.now()); remaining > 0 {
		util.Debug("OTP issue in backoff",
			util.String("identifier_hash", identifierHash),
			util.Int("failures", failures),
			util.Duration("remaining", remaining))
		return &RateLimitError{Scope: "backoff", RetryAfter: remaining}
	}
	return nil
}

func (rl *RateLimiter) requireCaptcha(ctx context.Context, failures int, req IssueCheck) error {
	if rl.cfg.CaptchaThreshold <= 0 || failures < rl.cfg.CaptchaThreshold {
		return nil
	}
	if req.CaptchaToken == "" || rl.captcha == nil {
		return ErrCaptchaRequired
	}

	ok, err := rl.captcha.Verify(ctx, req.CaptchaToken, req.IP)
	if err != nil {
		util.Error("Captcha verification failed", util.ErrorField(err))
		return ErrCaptchaRequired
	}
	if !ok {
		return ErrCaptchaRequired
	}
	return nil
}

// RecordIssue stores the send time so the next issue is held back.
func (rl *RateLimiter) RecordIssue(ctx context.Context, identifierHash string) error {
	if err := rl.failures.SetLastSent(ctx, identifierHash, rl.now(), rl.cfg.BackoffMax); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

func (rl *RateLimiter) RecordFailure(ctx context.Context, identifierHash string) (int, error) {
	n, err := rl.failures.RecordFailure(ctx, identifierHash, rl.cfg.FailureWindow)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return n, nil
}

func (rl *RateLimiter) ResetFailures(ctx context.Context, identifierHash string) error {
	if err := rl.failures.ResetFailures(ctx, identifierHash); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}
