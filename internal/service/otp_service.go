package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"checkout-service/internal/encryption"
	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/scylla"
	"checkout-service/internal/util"

	"github.com/google/uuid"
)

const (
	defaultOTPLength = 6
	maxCASRetries    = 3
)

// OTPSender delivers a plaintext code over one channel.
type OTPSender interface {
	SendOTP(ctx context.Context, to, code string, ttl time.Duration) error
}

type OTPServiceConfig struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
}

// OTPService issues and verifies one-time codes. Only the newest record per
// identifier is authoritative; issuing a code consumes every earlier one.
type OTPService struct {
	repo          scylla.OTPRepository
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	limiter       *RateLimiter
	tokens        *TokenIssuer
	senders       map[models.OTPMethod]OTPSender
	cfg           OTPServiceConfig
	now           func() time.Time
}

func NewOTPService(
	repo scylla.OTPRepository,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	limiter *RateLimiter,
	tokens *TokenIssuer,
	senders map[models.OTPMethod]OTPSender,
	cfg OTPServiceConfig,
) *OTPService {
	if cfg.Length <= 0 {
		cfg.Length = defaultOTPLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &OTPService{
		repo:          repo,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		limiter:       limiter,
		tokens:        tokens,
		senders:       senders,
		cfg:           cfg,
		now:           time.Now,
	}
}

// Send issues a fresh code for the request's identifier.
func (s *OTPService) Send(ctx context.Context, req *models.SendOTPRequest, ip string) (*models.SendOTPResult, error) {
	identifier, method, err := s.resolveIdentifier(req)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, identifier, method, req.CaptchaToken, ip)
}

// Resend marks every outstanding code for the identifier used, then issues a
// replacement through the same gates as Send.
func (s *OTPService) Resend(ctx context.Context, req *models.SendOTPRequest, ip string) (*models.SendOTPResult, error) {
	identifier, method, err := s.resolveIdentifier(req)
	if err != nil {
		return nil, err
	}

	identifierHash := s.hasher.HashIdentifier(identifier)
	invalidated, err := s.repo.InvalidateActive(ctx, identifierHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	util.Debug("OTP resend requested",
		util.String("identifier_hash", identifierHash),
		util.Int("invalidated", invalidated))

	return s.issue(ctx, identifier, method, req.CaptchaToken, ip)
}

func (s *OTPService) resolveIdentifier(req *models.SendOTPRequest) (string, models.OTPMethod, error) {
	if err := validateStruct(req); err != nil {
		return "", "", err
	}
	raw, method := req.Identifier()
	identifier := util.NormalizeIdentifier(raw)
	switch {
	case identifier == "":
		return "", "", fmt.Errorf("%w: email or phone is required", ErrValidation)
	case method == models.OTPMethodEmail && !util.IsEmail(identifier):
		return "", "", fmt.Errorf("%w: invalid email", ErrValidation)
	case method == models.OTPMethodSMS && !util.IsPhone(identifier):
		return "", "", fmt.Errorf("%w: invalid phone", ErrValidation)
	}
	if _, ok := s.senders[method]; !ok {
		return "", "", fmt.Errorf("%w: method %s not available", ErrValidation, method)
	}
	return identifier, method, nil
}

func (s *OTPService) issue(ctx context.Context, identifier string, method models.OTPMethod, captchaToken, ip string) (*models.SendOTPResult, error) {
	identifierHash := s.hasher.HashIdentifier(identifier)

	if err := s.limiter.AllowIssue(ctx, IssueCheck{
		IdentifierHash: identifierHash,
		IP:             ip,
		CaptchaToken:   captchaToken,
	}); err != nil {
		return nil, err
	}

	code, err := generateCode(s.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}
	encrypted, err := s.encryptionMgr.EncryptField(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt identifier: %w", err)
	}

	if _, err := s.repo.InvalidateActive(ctx, identifierHash); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	now := s.now().UTC()
	record := &models.OTPRecord{
		IdentifierHash:      identifierHash,
		CreatedAt:           now,
		OTPID:               uuid.NewString(),
		EncryptedIdentifier: encrypted.EncryptedValue,
		EncryptedDEK:        encrypted.EncryptedDEK,
		KeyID:               encrypted.KeyID,
		Method:              method,
		OTPHash:             hashed.Hash,
		OTPSalt:             hashed.Salt,
		HashAlgorithm:       hashed.Algorithm,
		PepperVersion:       hashed.PepperVersion,
		ExpiresAt:           now.Add(s.cfg.TTL),
		IPAddress:           net.ParseIP(ip),
	}
	if err := s.repo.CreateOTP(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if err := s.limiter.RecordIssue(ctx, identifierHash); err != nil {
		util.Warn("Failed to record OTP issue time", util.String("identifier_hash", identifierHash), util.ErrorField(err))
	}

	if err := s.senders[method].SendOTP(ctx, identifier, code, s.cfg.TTL); err != nil {
		util.Error("Failed to dispatch OTP",
			util.String("identifier_hash", identifierHash),
			util.String("recipient", util.MaskIdentifier(identifier)),
			util.String("method", string(method)),
			util.ErrorField(err))
		if _, markErr := s.repo.MarkUsed(ctx, record); markErr != nil {
			util.Error("Failed to invalidate undelivered OTP", util.String("otp_id", record.OTPID), util.ErrorField(markErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	util.Info("OTP issued",
		util.String("identifier_hash", identifierHash),
		util.String("recipient", util.MaskIdentifier(identifier)),
		util.String("method", string(method)),
		util.String("otp_id", record.OTPID))

	return &models.SendOTPResult{ExpiresIn: int(s.cfg.TTL / time.Second)}, nil
}

// Verify checks a submitted code against the newest record. The attempt
// counter is incremented before the comparison.
func (s *OTPService) Verify(ctx context.Context, req *models.VerifyOTPRequest) (*models.VerifyOTPResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	identifier := util.NormalizeIdentifier(req.Identifier())
	if identifier == "" {
		return nil, fmt.Errorf("%w: email or phone is required", ErrValidation)
	}
	if len(req.Code) != s.cfg.Length {
		return nil, fmt.Errorf("%w: code must be %d digits", ErrValidation, s.cfg.Length)
	}
	identifierHash := s.hasher.HashIdentifier(identifier)

	record, err := s.repo.GetLatestOTP(ctx, identifierHash)
	if errors.Is(err, scylla.ErrOTPNotFound) {
		return nil, ErrOTPNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if record.IsUsed {
		return nil, ErrAlreadyUsed
	}
	if record.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	if err := s.consumeAttempt(ctx, record); err != nil {
		return nil, err
	}

	match, err := s.hasher.VerifyOTP(req.Code, &hashing.HashResult{
		Hash:          record.OTPHash,
		Salt:          record.OTPSalt,
		PepperVersion: record.PepperVersion,
		Algorithm:     record.HashAlgorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !match {
		failures, ferr := s.limiter.RecordFailure(ctx, identifierHash)
		if ferr != nil {
			util.Warn("Failed to record OTP failure", util.ErrorField(ferr))
		}
		util.Info("OTP mismatch",
			util.String("identifier_hash", identifierHash),
			util.Int("attempts", record.Attempts),
			util.Int("failures", failures))
		return nil, ErrMismatch
	}

	applied, err := s.repo.MarkUsed(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !applied {
		return nil, ErrAlreadyUsed
	}

	if err := s.limiter.ResetFailures(ctx, identifierHash); err != nil {
		util.Warn("Failed to reset OTP failures", util.ErrorField(err))
	}

	token, err := s.tokens.Issue(identifierHash, string(record.Method))
	if err != nil {
		return nil, err
	}

	util.Info("OTP verified", util.String("identifier_hash", identifierHash), util.String("otp_id", record.OTPID))
	return &models.VerifyOTPResult{
		VerificationToken: token,
		ExpiresIn:         int(s.tokens.TTL() / time.Second),
	}, nil
}

// consumeAttempt increments the stored attempt count with compare-and-set,
// retrying when another request raced the same record.
func (s *OTPService) consumeAttempt(ctx context.Context, record *models.OTPRecord) error {
	for i := 0; i < maxCASRetries; i++ {
		if record.Attempts >= s.cfg.MaxAttempts {
			return ErrExhausted
		}
		applied, current, used, err := s.repo.CompareAndSetAttempts(ctx, record, record.Attempts, record.Attempts+1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		if applied {
			record.Attempts++
			return nil
		}
		if used {
			return ErrAlreadyUsed
		}
		record.Attempts = current
	}
	return &RateLimitError{Scope: "attempts", RetryAfter: time.Second}
}

// generateCode draws a uniform n-digit code.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
