package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"checkout-service/internal/client"
	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/postgres"
	"checkout-service/internal/util"
)

const (
	tagVote   = "VOTE"
	tagTicket = "TKT"

	// 40 bits of entropy in the reference suffix.
	referenceRandomBytes = 5

	reasonProviderRejected    = "provider_rejected"
	reasonProviderUnavailable = "provider_unavailable"

	defaultMaxAmount = 10_000_000
)

// PaymentGateway is the subset of the Paystack client the payment flow uses.
type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req client.PaystackInitRequest) (*client.PaystackInitData, json.RawMessage, error)
	VerifyTransaction(ctx context.Context, reference string) (*client.PaystackTransaction, json.RawMessage, error)
}

type PaymentServiceConfig struct {
	Currency             string
	VoteUnitPrice        int64
	MaxAmount            int64 // major units
	CallbackURL          string
	RequireVerifiedVoter bool
}

// PaymentService creates payment intents and hands them to the provider.
type PaymentService struct {
	repo    postgres.PaymentRepository
	gateway PaymentGateway
	node    *snowflake.Node
	tokens  *TokenIssuer
	hasher  *hashing.Hasher
	cfg     PaymentServiceConfig
}

func NewPaymentService(
	repo postgres.PaymentRepository,
	gateway PaymentGateway,
	node *snowflake.Node,
	tokens *TokenIssuer,
	hasher *hashing.Hasher,
	cfg PaymentServiceConfig,
) *PaymentService {
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	if cfg.VoteUnitPrice <= 0 {
		cfg.VoteUnitPrice = 100
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = defaultMaxAmount
	}
	return &PaymentService{
		repo:    repo,
		gateway: gateway,
		node:    node,
		tokens:  tokens,
		hasher:  hasher,
		cfg:     cfg,
	}
}

type paystackMetadata struct {
	Type      models.PaymentType `json:"type"`
	Reference string             `json:"reference"`
	models.PaymentMetadata
}

// Initialize persists a pending intent and then asks the provider for a
// checkout URL. The intent exists before the provider is called, so a webhook
// can never arrive for an unknown reference.
func (s *PaymentService) Initialize(ctx context.Context, req *models.InitializePaymentRequest) (*models.InitializePaymentResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	for _, field := range []string{req.ArtistID, req.EventID, req.TicketType} {
		if util.ContainsSuspicious(field) {
			return nil, fmt.Errorf("%w: metadata contains disallowed characters", ErrValidation)
		}
	}
	email := util.NormalizeIdentifier(req.Email)

	minor, err := s.toMinorUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	metadata, err := s.metadataFor(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkVoter(req, email); err != nil {
		return nil, err
	}

	reference, err := s.newReference(req.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reference: %w", err)
	}

	intent := &models.PaymentIntent{
		Reference: reference,
		Type:      req.Type,
		Amount:    minor,
		Currency:  s.cfg.Currency,
		Email:     email,
		Metadata:  metadata,
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		switch {
		case errors.Is(err, postgres.ErrUnknownTarget):
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		case errors.Is(err, postgres.ErrDuplicateReference):
			// Snowflake plus 40 random bits; a collision means a broken node id.
			util.Error("Payment reference collision", util.String("reference", reference))
			return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	data, raw, err := s.gateway.InitializeTransaction(ctx, client.PaystackInitRequest{
		Email:       email,
		Amount:      minor,
		Currency:    s.cfg.Currency,
		Reference:   reference,
		CallbackURL: s.cfg.CallbackURL,
		Metadata:    paystackMetadata{Type: req.Type, Reference: reference, PaymentMetadata: intent.Metadata},
	})
	if err != nil {
		reason := reasonProviderUnavailable
		if errors.Is(err, client.ErrPaystackRejected) {
			reason = reasonProviderRejected
		}
		if _, ferr := s.repo.FailPayment(ctx, reference, reason, raw); ferr != nil {
			util.Error("Failed to mark payment failed after provider error",
				util.String("reference", reference),
				util.ErrorField(ferr))
		}
		util.Warn("Payment initialization rejected by provider",
			util.String("reference", reference),
			util.String("reason", reason),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	if _, err := s.repo.MarkProcessing(ctx, reference, data.AccessCode, data.AuthorizationURL, raw); err != nil {
		// The provider holds the transaction; a webhook will still find the row.
		util.Error("Failed to mark payment processing", util.String("reference", reference), util.ErrorField(err))
	}

	util.Info("Payment initialized",
		util.String("reference", reference),
		util.String("type", string(req.Type)),
		util.Int64("amount", minor))

	return &models.InitializePaymentResult{
		AuthorizationURL: data.AuthorizationURL,
		Reference:        reference,
		AccessCode:       data.AccessCode,
	}, nil
}

// VoteTally reports an artist's settled votes and amount raised.
func (s *PaymentService) VoteTally(ctx context.Context, artistID string) (*models.VoteTally, error) {
	if artistID == "" || util.ContainsSuspicious(artistID) {
		return nil, fmt.Errorf("%w: invalid artist id", ErrValidation)
	}
	tally, err := s.repo.GetVoteTally(ctx, artistID)
	if errors.Is(err, postgres.ErrUnknownTarget) {
		return nil, fmt.Errorf("%w: artist %s", ErrNotFound, artistID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return tally, nil
}

func (s *PaymentService) checkVoter(req *models.InitializePaymentRequest, email string) error {
	if !s.cfg.RequireVerifiedVoter || req.Type != models.PaymentTypeVote {
		return nil
	}
	if req.VerificationToken == "" {
		return fmt.Errorf("%w: verification token required", ErrInvalidToken)
	}
	claims, err := s.tokens.Parse(req.VerificationToken)
	if err != nil {
		return err
	}
	if claims.Subject != s.hasher.HashIdentifier(email) {
		return fmt.Errorf("%w: token does not match email", ErrInvalidToken)
	}
	return nil
}

// metadataFor fixes the vote count at initialization. The amount must cover
// every vote at the unit price.
func (s *PaymentService) metadataFor(req *models.InitializePaymentRequest) (models.PaymentMetadata, error) {
	if req.Type != models.PaymentTypeVote {
		return models.PaymentMetadata{EventID: req.EventID, Quantity: req.Quantity, TicketType: req.TicketType}, nil
	}

	affordable := req.Amount.Div(decimal.NewFromInt(s.cfg.VoteUnitPrice)).IntPart()
	if affordable < 1 {
		return models.PaymentMetadata{}, fmt.Errorf("%w: amount is below the price of one vote", ErrValidation)
	}
	votes := int64(req.Votes)
	switch {
	case votes <= 0:
		votes = affordable
	case votes > affordable:
		return models.PaymentMetadata{}, fmt.Errorf("%w: %d votes cost more than the amount", ErrValidation, votes)
	}
	return models.PaymentMetadata{ArtistID: req.ArtistID, Votes: int(votes)}, nil
}

// newReference builds TAG_<snowflake base36>_<random hex>.
func (s *PaymentService) newReference(t models.PaymentType) (string, error) {
	tag := tagTicket
	if t == models.PaymentTypeVote {
		tag = tagVote
	}
	suffix := make([]byte, referenceRandomBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", tag, strings.ToUpper(s.node.Generate().Base36()), strings.ToUpper(hex.EncodeToString(suffix))), nil
}

// toMinorUnits converts a major-unit amount to kobo/cents.
func (s *PaymentService) toMinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	if !amount.Equal(amount.Round(2)) {
		return 0, fmt.Errorf("%w: amount has more than two decimal places", ErrValidation)
	}
	if amount.GreaterThan(decimal.NewFromInt(s.cfg.MaxAmount)) {
		return 0, fmt.Errorf("%w: amount exceeds %d", ErrValidation, s.cfg.MaxAmount)
	}
	minor := amount.Shift(2)
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: amount out of range", ErrValidation)
	}
	return minor.IntPart(), nil
}
