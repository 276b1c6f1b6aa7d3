package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const intentColumns = `reference, type, amount, currency, email, status, metadata,
	access_code, authorization_url, failure_reason, paid_at, created_at, updated_at`

type paymentRepository struct {
	db *DB
}

func NewPaymentRepository(db *DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Ready(ctx context.Context) error {
	return r.db.Ready(ctx)
}

func (r *paymentRepository) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	metadata, err := json.Marshal(intent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			INSERT INTO payment_intents (reference, type, amount, currency, email, status, metadata)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6)
			RETURNING status, created_at, updated_at`,
			intent.Reference, string(intent.Type), intent.Amount, intent.Currency, intent.Email, metadata,
		).Scan(&status, &intent.CreatedAt, &intent.UpdatedAt)
		if err != nil {
			return classify("insert payment intent", err)
		}
		intent.Status = models.PaymentStatus(status)

		switch intent.Type {
		case models.PaymentTypeVote:
			_, err = tx.Exec(ctx, `
				INSERT INTO vote_purchases (reference, artist_id, votes, amount)
				VALUES ($1, $2, $3, $4)`,
				intent.Reference, intent.Metadata.ArtistID, intent.Metadata.Votes, intent.Amount)
		case models.PaymentTypeTicket:
			ticketType := intent.Metadata.TicketType
			if ticketType == "" {
				ticketType = "regular"
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO bookings (reference, event_id, ticket_type, quantity, email)
				VALUES ($1, $2, $3, $4, $5)`,
				intent.Reference, intent.Metadata.EventID, ticketType, intent.Metadata.Quantity, intent.Email)
		default:
			return fmt.Errorf("unsupported payment type %q", intent.Type)
		}
		if err != nil {
			return classify("insert domain row", err)
		}
		return nil
	})
}

func (r *paymentRepository) MarkProcessing(ctx context.Context, reference, accessCode, authorizationURL string, providerResponse []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var status string
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE payment_intents
		SET access_code = $2,
		    authorization_url = $3,
		    provider_response = $4,
		    status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END,
		    updated_at = now()
		WHERE reference = $1
		RETURNING status`,
		reference, accessCode, authorizationURL, nullableJSON(providerResponse),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrIntentNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark payment processing: %w", err)
	}
	return status == string(models.PaymentProcessing), nil
}

func (r *paymentRepository) CompletePayment(ctx context.Context, reference string, paidAt time.Time, providerResponse []byte) (*models.Transition, error) {
	var transition *models.Transition

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		from, err := lockStatus(ctx, tx, reference)
		if err != nil || from.IsTerminal() {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE payment_intents
			SET status = 'completed', paid_at = $2,
			    provider_response = COALESCE($3, provider_response),
			    updated_at = now()
			WHERE reference = $1 AND status IN ('pending', 'processing')
			RETURNING `+intentColumns,
			reference, paidAt.UTC(), nullableJSON(providerResponse))
		intent, err := scanIntent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete payment intent: %w", err)
		}

		if err := applyDomainSuccess(ctx, tx, intent, paidAt.UTC()); err != nil {
			return err
		}
		transition = &models.Transition{Intent: intent, FromStatus: from}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (r *paymentRepository) FailPayment(ctx context.Context, reference, reason string, providerResponse []byte) (*models.Transition, error) {
	var transition *models.Transition

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		from, err := lockStatus(ctx, tx, reference)
		if err != nil || from.IsTerminal() {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE payment_intents
			SET status = 'failed', failure_reason = $2,
			    provider_response = COALESCE($3, provider_response),
			    updated_at = now()
			WHERE reference = $1 AND status IN ('pending', 'processing')
			RETURNING `+intentColumns,
			reference, reason, nullableJSON(providerResponse))
		intent, err := scanIntent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fail payment intent: %w", err)
		}

		switch intent.Type {
		case models.PaymentTypeVote:
			_, err = tx.Exec(ctx, `UPDATE vote_purchases SET status = 'failed' WHERE reference = $1 AND status = 'pending'`, reference)
		case models.PaymentTypeTicket:
			_, err = tx.Exec(ctx, `UPDATE bookings SET status = 'cancelled' WHERE reference = $1 AND status = 'pending'`, reference)
		}
		if err != nil {
			return fmt.Errorf("failed to update domain row: %w", err)
		}

		transition = &models.Transition{Intent: intent, FromStatus: from}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (r *paymentRepository) GetIntent(ctx context.Context, reference string) (*models.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return intent, nil
}

func (r *paymentRepository) GetVoteTally(ctx context.Context, artistID string) (*models.VoteTally, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tally := &models.VoteTally{ArtistID: artistID}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT vote_count, amount_raised FROM artists WHERE id = $1`, artistID,
	).Scan(&tally.VoteCount, &tally.AmountRaised)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownTarget
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vote tally: %w", err)
	}
	return tally, nil
}

// applyDomainSuccess settles the vote purchase or booking and bumps the
// aggregate. A missing or already-settled domain row aborts the transaction.
func applyDomainSuccess(ctx context.Context, tx pgx.Tx, intent *models.PaymentIntent, paidAt time.Time) error {
	switch intent.Type {
	case models.PaymentTypeVote:
		var (
			artistID string
			votes    int
			amount   int64
		)
		err := tx.QueryRow(ctx, `
			UPDATE vote_purchases SET status = 'completed', paid_at = $2
			WHERE reference = $1 AND status = 'pending'
			RETURNING artist_id, votes, amount`,
			intent.Reference, paidAt,
		).Scan(&artistID, &votes, &amount)
		if err != nil {
			return fmt.Errorf("failed to settle vote purchase: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE artists
			SET vote_count = vote_count + $2, amount_raised = amount_raised + $3, updated_at = now()
			WHERE id = $1`,
			artistID, votes, amount)
		if err != nil {
			return fmt.Errorf("failed to update artist tally: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("failed to update artist tally: %w", ErrUnknownTarget)
		}

	case models.PaymentTypeTicket:
		var (
			eventID  string
			quantity int
		)
		err := tx.QueryRow(ctx, `
			UPDATE bookings SET status = 'confirmed', payment_verified = true, paid_at = $2
			WHERE reference = $1 AND status = 'pending'
			RETURNING event_id, quantity`,
			intent.Reference, paidAt,
		).Scan(&eventID, &quantity)
		if err != nil {
			return fmt.Errorf("failed to confirm booking: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE events SET tickets_sold = tickets_sold + $2, updated_at = now()
			WHERE id = $1`,
			eventID, quantity)
		if err != nil {
			return fmt.Errorf("failed to update tickets sold: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("failed to update tickets sold: %w", ErrUnknownTarget)
		}

	default:
		return fmt.Errorf("unsupported payment type %q", intent.Type)
	}
	return nil
}

// lockStatus takes the row lock that serializes concurrent deliveries for one
// reference.
func lockStatus(ctx context.Context, tx pgx.Tx, reference string) (models.PaymentStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM payment_intents WHERE reference = $1 FOR UPDATE`, reference).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrIntentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock payment intent: %w", err)
	}
	return models.PaymentStatus(status), nil
}

func (r *paymentRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			util.Warn("Transaction rollback failed", util.ErrorField(rbErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanIntent(row pgx.Row) (*models.PaymentIntent, error) {
	var (
		intent        models.PaymentIntent
		typ, status   string
		metadata      []byte
		accessCode    *string
		authURL       *string
		failureReason *string
	)
	err := row.Scan(&intent.Reference, &typ, &intent.Amount, &intent.Currency, &intent.Email, &status, &metadata,
		&accessCode, &authURL, &failureReason, &intent.PaidAt, &intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	intent.Type = models.PaymentType(typ)
	intent.Status = models.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &intent.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	intent.AccessCode = deref(accessCode)
	intent.AuthorizationURL = deref(authURL)
	intent.FailureReason = deref(failureReason)
	return &intent, nil
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrUnknownTarget)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
