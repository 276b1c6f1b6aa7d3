package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
)

const testEmail = "voter@example.com"

type otpHarness struct {
	svc     *OTPService
	repo    *fakeOTPRepo
	sender  *fakeSender
	captcha *fakeCaptcha
	clock   *testClock
	hasher  *hashing.Hasher
	tokens  *TokenIssuer
}

func newOTPHarness(t *testing.T) *otpHarness {
	t.Helper()
	cfg := testConfig()
	clock := newTestClock()
	_, counter, failures := newTestRedis(t, cfg, clock)

	captcha := &fakeCaptcha{accept: "human"}
	limiter := NewRateLimiter(counter, failures, captcha, cfg.RateLimit)
	limiter.now = clock.Now

	hasher := newTestHasher(t, cfg)
	tokens := NewTokenIssuer(cfg.JWT)
	repo := newFakeOTPRepo()
	sender := newFakeSender()

	svc := NewOTPService(repo, hasher, newTestEncryption(cfg), limiter, tokens,
		map[models.OTPMethod]OTPSender{models.OTPMethodEmail: sender, models.OTPMethodSMS: sender},
		OTPServiceConfig{Length: cfg.OTP.Length, TTL: cfg.OTP.TTL, MaxAttempts: cfg.OTP.MaxAttempts})
	svc.now = clock.Now

	return &otpHarness{svc: svc, repo: repo, sender: sender, captcha: captcha, clock: clock, hasher: hasher, tokens: tokens}
}

func (h *otpHarness) send(t *testing.T, token string) error {
	t.Helper()
	_, err := h.svc.Send(context.Background(), &models.SendOTPRequest{Email: testEmail, CaptchaToken: token}, "198.51.100.7")
	return err
}

func (h *otpHarness) verify(code string) (*models.VerifyOTPResult, error) {
	return h.svc.Verify(context.Background(), &models.VerifyOTPRequest{Email: testEmail, Code: code})
}

func wrongCode(code string) string {
	last := code[len(code)-1]
	if last == '9' {
		return code[:len(code)-1] + "0"
	}
	return code[:len(code)-1] + string(last+1)
}

func TestOTPSendAndVerify(t *testing.T) {
	h := newOTPHarness(t)

	res, err := h.svc.Send(context.Background(), &models.SendOTPRequest{Email: "Voter@Example.com"}, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, 600, res.ExpiresIn)

	code := h.sender.last(testEmail)
	require.Len(t, code, 6)

	records := h.repo.all(h.hasher.HashIdentifier(testEmail))
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].OTPHash, code)
	assert.NotEmpty(t, records[0].EncryptedIdentifier)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), records[0].ExpiresAt)

	out, err := h.verify(code)
	require.NoError(t, err)
	assert.Equal(t, 900, out.ExpiresIn)

	claims, err := h.tokens.Parse(out.VerificationToken)
	require.NoError(t, err)
	assert.Equal(t, h.hasher.HashIdentifier(testEmail), claims.Subject)
	assert.Equal(t, "email", claims.Method)

	_, err = h.verify(code)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestOTPResendInvalidatesPriorCode(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, ""))
	oldCode := h.sender.last(testEmail)

	h.clock.Advance(time.Minute)
	_, err := h.svc.Resend(ctx, &models.SendOTPRequest{Email: testEmail}, "198.51.100.7")
	require.NoError(t, err)
	newCode := h.sender.last(testEmail)

	records := h.repo.all(h.hasher.HashIdentifier(testEmail))
	require.Len(t, records, 2)
	assert.True(t, records[0].IsUsed, "prior code must be consumed by a new issue")
	assert.False(t, records[1].IsUsed)

	if oldCode != newCode {
		_, err = h.verify(oldCode)
		assert.ErrorIs(t, err, ErrMismatch)
	}

	_, err = h.verify(newCode)
	require.NoError(t, err)

	_, err = h.verify(newCode)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestOTPExpiredRejectsCorrectCode(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))
	code := h.sender.last(testEmail)

	h.clock.Advance(10 * time.Minute)
	_, err := h.verify(code)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestOTPAttemptCeilingLocksRecord(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))
	code := h.sender.last(testEmail)
	bad := wrongCode(code)

	for i := 0; i < 5; i++ {
		_, err := h.verify(bad)
		require.ErrorIs(t, err, ErrMismatch, "attempt %d", i+1)
	}

	_, err := h.verify(code)
	assert.ErrorIs(t, err, ErrExhausted)

	records := h.repo.all(h.hasher.HashIdentifier(testEmail))
	assert.Equal(t, 5, records[0].Attempts)
	assert.False(t, records[0].IsUsed)
}

func TestOTPCaptchaGateAfterFailures(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))
	bad := wrongCode(h.sender.last(testEmail))

	for i := 0; i < 3; i++ {
		_, err := h.verify(bad)
		require.ErrorIs(t, err, ErrMismatch)
	}

	// 3 failures: 2^3 * 30s = 4m backoff.
	h.clock.Advance(5 * time.Minute)

	assert.ErrorIs(t, h.send(t, ""), ErrCaptchaRequired)
	assert.ErrorIs(t, h.send(t, "robot"), ErrCaptchaRequired)
	require.NoError(t, h.send(t, "human"))

	_, err := h.verify(h.sender.last(testEmail))
	require.NoError(t, err)

	// Success clears the failure counter and with it the gate.
	h.clock.Advance(time.Minute)
	assert.NoError(t, h.send(t, ""))
}

func TestOTPBackoffBetweenSends(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))

	err := h.send(t, "")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 30*time.Second, RetryAfter(err))

	h.clock.Advance(31 * time.Second)
	assert.NoError(t, h.send(t, ""))
}

func TestOTPDispatchFailureConsumesRecord(t *testing.T) {
	h := newOTPHarness(t)
	h.sender.err = errors.New("smtp down")

	err := h.send(t, "")
	require.ErrorIs(t, err, ErrProviderError)

	records := h.repo.all(h.hasher.HashIdentifier(testEmail))
	require.Len(t, records, 1)
	assert.True(t, records[0].IsUsed)

	_, err = h.verify(h.sender.last(testEmail))
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestOTPValidation(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	_, err := h.svc.Send(ctx, &models.SendOTPRequest{Email: "not-an-email"}, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Send(ctx, &models.SendOTPRequest{}, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Send(ctx, &models.SendOTPRequest{Phone: "+2348012345678", Method: models.OTPMethodSMS}, "")
	assert.NoError(t, err)

	_, err = h.svc.Verify(ctx, &models.VerifyOTPRequest{Email: testEmail, Code: "12345"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Verify(ctx, &models.VerifyOTPRequest{Email: testEmail, Code: "12a456"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOTPVerifyWithoutIssue(t *testing.T) {
	h := newOTPHarness(t)
	_, err := h.verify("123456")
	assert.ErrorIs(t, err, ErrOTPNotFound)
	assert.True(t, IsVerificationFailure(err))
}

func TestGenerateCodeShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			require.True(t, c >= '0' && c <= '9')
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 150)
}

func TestOTPThrottledSendKeepsCurrentCode(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))
	code := h.sender.last(testEmail)

	_, err := h.svc.Send(context.Background(), &models.SendOTPRequest{Email: testEmail}, "198.51.100.7")
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = h.verify(code)
	assert.NoError(t, err)
}

func TestOTPThrottledResendStillInvalidates(t *testing.T) {
	h := newOTPHarness(t)
	require.NoError(t, h.send(t, ""))
	code := h.sender.last(testEmail)

	_, err := h.svc.Resend(context.Background(), &models.SendOTPRequest{Email: testEmail}, "198.51.100.7")
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = h.verify(code)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}
