package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"checkout-service/internal/bucketing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/postgres"
	"checkout-service/internal/util"
)

const (
	reasonAmountMismatch   = "amount_mismatch"
	reasonCurrencyMismatch = "currency_mismatch"

	fanoutTimeout = 5 * time.Second
)

type Notifier interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type AuditIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type AnalyticsRecorder interface {
	InsertPaymentEvents(ctx context.Context, events ...*models.PaymentAuditEvent) error
}

type ReconcilerConfig struct {
	NotificationsTopic string
	AuditIndexPrefix   string
}

// Reconciler applies a charge outcome to exactly one intent. Transitions are
// conditional on a non-terminal status, so replays and concurrent deliveries
// change nothing after the first. Collaborators run after commit only when a
// transition applied; any of them may be nil.
type Reconciler struct {
	repo      postgres.PaymentRepository
	gateway   PaymentGateway
	notifier  Notifier
	indexer   AuditIndexer
	analytics AnalyticsRecorder
	buckets   *bucketing.BucketingManager
	cfg       ReconcilerConfig
}

func NewReconciler(
	repo postgres.PaymentRepository,
	gateway PaymentGateway,
	notifier Notifier,
	indexer AuditIndexer,
	analytics AnalyticsRecorder,
	buckets *bucketing.BucketingManager,
	cfg ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		repo:      repo,
		gateway:   gateway,
		notifier:  notifier,
		indexer:   indexer,
		analytics: analytics,
		buckets:   buckets,
		cfg:       cfg,
	}
}

func (r *Reconciler) OnChargeSuccess(ctx context.Context, charge *models.ChargeResult) (models.ReconcileOutcome, error) {
	intent, outcome, err := r.load(ctx, charge.Reference)
	if intent == nil {
		return outcome, err
	}

	if charge.Amount != 0 && charge.Amount != intent.Amount {
		util.Warn("Charge amount does not match intent",
			util.String("reference", intent.Reference),
			util.Int64("expected", intent.Amount),
			util.Int64("received", charge.Amount))
		return r.fail(ctx, charge, reasonAmountMismatch)
	}
	if charge.Currency != "" && !strings.EqualFold(charge.Currency, intent.Currency) {
		util.Warn("Charge currency does not match intent",
			util.String("reference", intent.Reference),
			util.String("expected", intent.Currency),
			util.String("received", charge.Currency))
		return r.fail(ctx, charge, reasonCurrencyMismatch)
	}

	transition, err := r.repo.CompletePayment(ctx, charge.Reference, charge.PaidAt, charge.Raw)
	return r.finish(ctx, charge, transition, err)
}

func (r *Reconciler) OnChargeFailure(ctx context.Context, charge *models.ChargeResult) (models.ReconcileOutcome, error) {
	intent, outcome, err := r.load(ctx, charge.Reference)
	if intent == nil {
		return outcome, err
	}
	reason := charge.Reason
	if reason == "" {
		reason = "charge_failed"
	}
	return r.fail(ctx, charge, reason)
}

// VerifyAndReconcile polls the provider for a reference and applies the
// result through the same transitions as a webhook.
func (r *Reconciler) VerifyAndReconcile(ctx context.Context, reference string) (*models.PaymentIntent, models.ReconcileOutcome, error) {
	intent, err := r.repo.GetIntent(ctx, reference)
	if errors.Is(err, postgres.ErrIntentNotFound) {
		return nil, models.OutcomeNotFound, fmt.Errorf("%w: payment %s", ErrNotFound, reference)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if intent.Status.IsTerminal() {
		return intent, models.OutcomeNoop, nil
	}

	tx, raw, err := r.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return intent, "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	charge := &models.ChargeResult{
		Reference: reference,
		Amount:    tx.Amount,
		Currency:  tx.Currency,
		PaidAt:    time.Now().UTC(),
		Reason:    tx.GatewayResponse,
		Raw:       raw,
		Source:    "verify",
	}
	if tx.PaidAt != nil {
		charge.PaidAt = *tx.PaidAt
	}

	var outcome models.ReconcileOutcome
	switch tx.Status {
	case "success":
		charge.Success = true
		outcome, err = r.OnChargeSuccess(ctx, charge)
	case "failed", "abandoned", "reversed":
		if charge.Reason == "" {
			charge.Reason = tx.Status
		}
		outcome, err = r.OnChargeFailure(ctx, charge)
	default:
		return intent, models.OutcomeNoop, nil
	}
	if err != nil {
		return intent, outcome, err
	}

	if outcome == models.OutcomeApplied {
		if refreshed, gerr := r.repo.GetIntent(ctx, reference); gerr == nil {
			intent = refreshed
		}
	}
	return intent, outcome, nil
}

// load returns the intent when it can still transition. A nil intent means
// the caller should stop with the returned outcome and error.
func (r *Reconciler) load(ctx context.Context, reference string) (*models.PaymentIntent, models.ReconcileOutcome, error) {
	// Acknowledged so the provider stops redelivering it.
	if reference == "" {
		util.Warn("Charge without reference ignored")
		return nil, models.OutcomeNoop, nil
	}
	intent, err := r.repo.GetIntent(ctx, reference)
	if errors.Is(err, postgres.ErrIntentNotFound) {
		util.Warn("Charge for unknown reference", util.String("reference", reference))
		return nil, models.OutcomeNotFound, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if intent.Status.IsTerminal() {
		util.Debug("Charge for settled payment ignored",
			util.String("reference", reference),
			util.String("status", string(intent.Status)))
		return nil, models.OutcomeNoop, nil
	}
	return intent, "", nil
}

func (r *Reconciler) fail(ctx context.Context, charge *models.ChargeResult, reason string) (models.ReconcileOutcome, error) {
	charge.Success = false
	charge.Reason = reason
	transition, err := r.repo.FailPayment(ctx, charge.Reference, reason, charge.Raw)
	return r.finish(ctx, charge, transition, err)
}

func (r *Reconciler) finish(ctx context.Context, charge *models.ChargeResult, transition *models.Transition, err error) (models.ReconcileOutcome, error) {
	if errors.Is(err, postgres.ErrIntentNotFound) {
		return models.OutcomeNotFound, nil
	}
	if err != nil {
		util.Error("Payment reconciliation failed",
			util.String("reference", charge.Reference),
			util.Bool("success", charge.Success),
			util.ErrorField(err))
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if transition == nil {
		return models.OutcomeNoop, nil
	}

	util.Info("Payment reconciled",
		util.String("reference", charge.Reference),
		util.String("from", string(transition.FromStatus)),
		util.String("to", string(transition.Intent.Status)),
		util.String("source", charge.Source))

	r.publish(ctx, transition, charge)
	return models.OutcomeApplied, nil
}

// publish runs the post-commit collaborators concurrently. Their failures are
// logged and never undo the transition.
func (r *Reconciler) publish(ctx context.Context, transition *models.Transition, charge *models.ChargeResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fanoutTimeout)
	defer cancel()

	intent := transition.Intent
	now := time.Now().UTC()
	if r.buckets != nil {
		now = r.buckets.Now().UTC()
	}
	audit := r.auditEvent(transition, charge, now)

	var g errgroup.Group
	if r.notifier != nil && r.cfg.NotificationsTopic != "" {
		g.Go(func() error {
			payload, err := json.Marshal(notificationFor(intent, charge.Reason, now))
			if err != nil {
				return fmt.Errorf("encode notification: %w", err)
			}
			headers := map[string]string{"event": string(intent.Status), "type": string(intent.Type)}
			if err := r.notifier.ProduceMessage(ctx, r.cfg.NotificationsTopic, []byte(intent.Reference), payload, headers); err != nil {
				return fmt.Errorf("publish notification: %w", err)
			}
			return nil
		})
	}
	if r.indexer != nil {
		g.Go(func() error {
			index := r.cfg.AuditIndexPrefix
			if r.buckets != nil {
				index = r.buckets.IndexName(r.cfg.AuditIndexPrefix)
			}
			if err := r.indexer.IndexDocument(ctx, index, audit.EventID, audit); err != nil {
				return fmt.Errorf("index audit event: %w", err)
			}
			return nil
		})
	}
	if r.analytics != nil {
		g.Go(func() error {
			if err := r.analytics.InsertPaymentEvents(ctx, audit); err != nil {
				return fmt.Errorf("record analytics event: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		util.Error("Post-commit side effect failed",
			util.String("reference", intent.Reference),
			util.ErrorField(err))
	}
}

func (r *Reconciler) auditEvent(transition *models.Transition, charge *models.ChargeResult, at time.Time) *models.PaymentAuditEvent {
	intent := transition.Intent
	var bucket int32
	if r.buckets != nil {
		bucket = int32(r.buckets.GetEventBucket(intent.Reference))
	}
	return &models.PaymentAuditEvent{
		// One event per reference and target status, so retried writes collapse.
		EventID:     intent.Reference + ":" + string(intent.Status),
		EventBucket: bucket,
		Reference:   intent.Reference,
		PaymentType: string(intent.Type),
		FromStatus:  transition.FromStatus,
		ToStatus:    intent.Status,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Source:      charge.Source,
		Reason:      intent.FailureReason,
		OccurredAt:  at,
	}
}

func notificationFor(intent *models.PaymentIntent, reason string, at time.Time) *models.PaymentNotification {
	n := &models.PaymentNotification{
		Reference:  intent.Reference,
		Type:       intent.Type,
		Status:     intent.Status,
		Email:      intent.Email,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		OccurredAt: at,
	}
	switch intent.Type {
	case models.PaymentTypeVote:
		n.Votes = intent.Metadata.Votes
		n.ArtistID = intent.Metadata.ArtistID
	case models.PaymentTypeTicket:
		n.EventID = intent.Metadata.EventID
		n.Quantity = intent.Metadata.Quantity
	}
	if intent.Status == models.PaymentFailed {
		n.Reason = reason
	}
	return n
}
