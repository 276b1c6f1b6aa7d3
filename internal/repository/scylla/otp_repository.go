package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

type otpRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) OTPRepository {
	return &otpRepository{client: client}
}

func (r *otpRepository) CreateOTP(ctx context.Context, record *models.OTPRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if record.OTPID == "" {
		record.OTPID = uuid.NewString()
	}
	otpID, err := gocql.ParseUUID(record.OTPID)
	if err != nil {
		return fmt.Errorf("invalid otp id: %w", err)
	}
	// Scylla timestamps are millisecond precision.
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Millisecond)

	query := r.client.Query(ctx, r.client.Prepared.InsertOTP,
		record.IdentifierHash, record.CreatedAt, otpID,
		record.EncryptedIdentifier, record.EncryptedDEK, record.KeyID,
		string(record.Method), record.OTPHash, record.OTPSalt, record.HashAlgorithm, record.PepperVersion,
		record.Attempts, record.IsUsed, record.ExpiresAt.UTC(), record.IPAddress)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create OTP",
			util.String("identifier_hash", record.IdentifierHash),
			util.String("otp_id", record.OTPID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create OTP: %w", err)
	}
	if !applied {
		return fmt.Errorf("failed to create OTP: duplicate key %s", record.OTPID)
	}

	util.Debug("OTP created",
		util.String("identifier_hash", record.IdentifierHash),
		util.String("otp_id", record.OTPID),
		util.Time("expires_at", record.ExpiresAt))
	return nil
}

func (r *otpRepository) GetLatestOTP(ctx context.Context, identifierHash string) (*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		rec    models.OTPRecord
		otpID  gocql.UUID
		method string
	)
	query := r.client.Query(ctx, r.client.Prepared.SelectLatest, identifierHash).Consistency(gocql.LocalQuorum)
	err := r.client.ScanWithRetry(query,
		&rec.IdentifierHash, &rec.CreatedAt, &otpID,
		&rec.EncryptedIdentifier, &rec.EncryptedDEK, &rec.KeyID,
		&method, &rec.OTPHash, &rec.OTPSalt, &rec.HashAlgorithm, &rec.PepperVersion,
		&rec.Attempts, &rec.IsUsed, &rec.ExpiresAt, &rec.IPAddress)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrOTPNotFound
	}
	if err != nil {
		util.Error("Failed to get latest OTP", util.String("identifier_hash", identifierHash), util.ErrorField(err))
		return nil, fmt.Errorf("failed to get latest OTP: %w", err)
	}

	rec.OTPID = otpID.String()
	rec.Method = models.OTPMethod(method)
	return &rec, nil
}

func (r *otpRepository) InvalidateActive(ctx context.Context, identifierHash string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	iter := r.client.Query(ctx, r.client.Prepared.SelectActive, identifierHash).Iter()

	var (
		createdAt time.Time
		otpID     gocql.UUID
		used      bool
		stale     []*models.OTPRecord
	)
	for iter.Scan(&createdAt, &otpID, &used) {
		if !used {
			stale = append(stale, &models.OTPRecord{
				IdentifierHash: identifierHash,
				CreatedAt:      createdAt,
				OTPID:          otpID.String(),
			})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to list OTPs: %w", err)
	}

	invalidated := 0
	for _, rec := range stale {
		applied, err := r.MarkUsed(ctx, rec)
		if err != nil {
			return invalidated, err
		}
		if applied {
			invalidated++
		}
	}

	if invalidated > 0 {
		util.Debug("Prior OTPs invalidated",
			util.String("identifier_hash", identifierHash),
			util.Int("count", invalidated))
	}
	return invalidated, nil
}

func (r *otpRepository) CompareAndSetAttempts(ctx context.Context, record *models.OTPRecord, expected, next int) (bool, int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	otpID, err := gocql.ParseUUID(record.OTPID)
	if err != nil {
		return false, 0, false, fmt.Errorf("invalid otp id: %w", err)
	}

	var (
		currentAttempts int
		currentUsed     bool
	)
	applied, err := r.client.Query(ctx, r.client.Prepared.CASAttempts,
		next, record.IdentifierHash, record.CreatedAt, otpID, expected).
		ScanCAS(&currentAttempts, &currentUsed)
	if err != nil {
		util.Error("Failed to update OTP attempts", util.String("otp_id", record.OTPID), util.ErrorField(err))
		return false, 0, false, fmt.Errorf("failed to update OTP attempts: %w", err)
	}
	if applied {
		return true, next, false, nil
	}
	return false, currentAttempts, currentUsed, nil
}

func (r *otpRepository) MarkUsed(ctx context.Context, record *models.OTPRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	otpID, err := gocql.ParseUUID(record.OTPID)
	if err != nil {
		return false, fmt.Errorf("invalid otp id: %w", err)
	}

	var currentUsed bool
	applied, err := r.client.Query(ctx, r.client.Prepared.CASMarkUsed,
		record.IdentifierHash, record.CreatedAt, otpID).
		ScanCAS(&currentUsed)
	if err != nil {
		util.Error("Failed to mark OTP used", util.String("otp_id", record.OTPID), util.ErrorField(err))
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	return applied, nil
}

func (r *otpRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
