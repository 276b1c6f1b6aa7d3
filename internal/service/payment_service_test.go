package service

import (
	"context"
	"regexp"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/client"
	"checkout-service/internal/models"
)

var referencePattern = regexp.MustCompile(`^(VOTE|TKT)_[0-9A-Z]+_[0-9A-F]{10}$`)

type paymentHarness struct {
	svc     *PaymentService
	repo    *fakePaymentRepo
	gateway *fakeGateway
	tokens  *TokenIssuer
}

func newPaymentHarness(t *testing.T, requireVoter bool) *paymentHarness {
	t.Helper()
	cfg := testConfig()
	node, err := snowflake.NewNode(cfg.Payments.NodeID)
	require.NoError(t, err)

	repo := newFakePaymentRepo()
	gateway := newFakeGateway()
	tokens := NewTokenIssuer(cfg.JWT)
	svc := NewPaymentService(repo, gateway, node, tokens, newTestHasher(t, cfg), PaymentServiceConfig{
		Currency:             cfg.Payments.Currency,
		VoteUnitPrice:        cfg.Payments.VoteUnitPrice,
		CallbackURL:          cfg.Paystack.CallbackURL,
		RequireVerifiedVoter: requireVoter,
	})
	return &paymentHarness{svc: svc, repo: repo, gateway: gateway, tokens: tokens}
}

func voteRequest(amount string) *models.InitializePaymentRequest {
	return &models.InitializePaymentRequest{
		Type:     models.PaymentTypeVote,
		Email:    "fan@example.com",
		Amount:   decimal.RequireFromString(amount),
		ArtistID: "artist-1",
	}
}

func TestInitializeVotePayment(t *testing.T) {
	h := newPaymentHarness(t, false)

	res, err := h.svc.Initialize(context.Background(), voteRequest("1000"))
	require.NoError(t, err)
	assert.Regexp(t, referencePattern, res.Reference)
	assert.Contains(t, res.Reference, "VOTE_")
	assert.Equal(t, "ac_"+res.Reference, res.AccessCode)
	assert.NotEmpty(t, res.AuthorizationURL)

	intent, err := h.repo.GetIntent(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentProcessing, intent.Status)
	assert.Equal(t, int64(100000), intent.Amount)
	assert.Equal(t, "NGN", intent.Currency)
	assert.Equal(t, 10, intent.Metadata.Votes)

	require.Len(t, h.gateway.initReqs, 1)
	sent := h.gateway.initReqs[0]
	assert.Equal(t, res.Reference, sent.Reference)
	assert.Equal(t, int64(100000), sent.Amount)
	assert.Equal(t, "https://example.test/callback", sent.CallbackURL)
	meta, ok := sent.Metadata.(paystackMetadata)
	require.True(t, ok)
	assert.Equal(t, "artist-1", meta.ArtistID)
	assert.Equal(t, models.PaymentTypeVote, meta.Type)
}

func TestInitializeVoteCounts(t *testing.T) {
	h := newPaymentHarness(t, false)
	ctx := context.Background()

	explicit := voteRequest("1000")
	explicit.Votes = 3
	res, err := h.svc.Initialize(ctx, explicit)
	require.NoError(t, err)
	intent, _ := h.repo.GetIntent(ctx, res.Reference)
	assert.Equal(t, 3, intent.Metadata.Votes)

	res, err = h.svc.Initialize(ctx, voteRequest("250.50"))
	require.NoError(t, err)
	intent, _ = h.repo.GetIntent(ctx, res.Reference)
	assert.Equal(t, 2, intent.Metadata.Votes)
	assert.Equal(t, int64(25050), intent.Amount)
}

func TestInitializeVotesMustBeCoveredByAmount(t *testing.T) {
	h := newPaymentHarness(t, false)
	ctx := context.Background()

	overclaimed := voteRequest("1")
	overclaimed.Votes = 100000
	_, err := h.svc.Initialize(ctx, overclaimed)
	assert.ErrorIs(t, err, ErrValidation)

	overclaimed = voteRequest("1000")
	overclaimed.Votes = 11
	_, err = h.svc.Initialize(ctx, overclaimed)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Initialize(ctx, voteRequest("50.25"))
	assert.ErrorIs(t, err, ErrValidation)

	exact := voteRequest("1000")
	exact.Votes = 10
	res, err := h.svc.Initialize(ctx, exact)
	require.NoError(t, err)
	intent, _ := h.repo.GetIntent(ctx, res.Reference)
	assert.Equal(t, 10, intent.Metadata.Votes)
	assert.Len(t, h.gateway.initReqs, 1)
}

func TestInitializeRejectsOversizedAmounts(t *testing.T) {
	h := newPaymentHarness(t, false)
	ctx := context.Background()

	// 2^64 + 100 kobo; truncating to int64 would leave 100.
	wrapped := voteRequest("184467440737095517.16")
	wrapped.Votes = 100000
	_, err := h.svc.Initialize(ctx, wrapped)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Initialize(ctx, voteRequest("10000000.01"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, h.gateway.initReqs)
	assert.Empty(t, h.repo.intents)

	res, err := h.svc.Initialize(ctx, voteRequest("10000000"))
	require.NoError(t, err)
	intent, _ := h.repo.GetIntent(ctx, res.Reference)
	assert.Equal(t, int64(1000000000), intent.Amount)
}

func TestInitializeTicketPayment(t *testing.T) {
	h := newPaymentHarness(t, false)

	res, err := h.svc.Initialize(context.Background(), &models.InitializePaymentRequest{
		Type:       models.PaymentTypeTicket,
		Email:      "guest@example.com",
		Amount:     decimal.RequireFromString("7500.50"),
		EventID:    "event-1",
		Quantity:   2,
		TicketType: "vip",
	})
	require.NoError(t, err)
	assert.Regexp(t, referencePattern, res.Reference)
	assert.Contains(t, res.Reference, "TKT_")

	intent, err := h.repo.GetIntent(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(750050), intent.Amount)
	assert.Equal(t, 2, intent.Metadata.Quantity)
}

func TestInitializeValidation(t *testing.T) {
	h := newPaymentHarness(t, false)
	ctx := context.Background()

	cases := map[string]*models.InitializePaymentRequest{
		"zero amount":       voteRequest("0"),
		"negative amount":   voteRequest("-5"),
		"too many decimals": voteRequest("10.001"),
		"missing artist":    {Type: models.PaymentTypeVote, Email: "fan@example.com", Amount: decimal.NewFromInt(100)},
		"missing quantity":  {Type: models.PaymentTypeTicket, Email: "fan@example.com", Amount: decimal.NewFromInt(100), EventID: "event-1"},
		"bad type":          {Type: "donation", Email: "fan@example.com", Amount: decimal.NewFromInt(100)},
		"bad email":         {Type: models.PaymentTypeVote, Email: "fan", Amount: decimal.NewFromInt(100), ArtistID: "artist-1"},
		"markup in ticket":  {Type: models.PaymentTypeTicket, Email: "fan@example.com", Amount: decimal.NewFromInt(100), EventID: "event-1", Quantity: 1, TicketType: "<b>vip</b>"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Initialize(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, h.gateway.initReqs)
}

func TestInitializeUnknownArtist(t *testing.T) {
	h := newPaymentHarness(t, false)
	req := voteRequest("100")
	req.ArtistID = "missing"

	_, err := h.svc.Initialize(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.gateway.initReqs)
}

func TestInitializeProviderRejectionFailsIntent(t *testing.T) {
	h := newPaymentHarness(t, false)
	h.gateway.initErr = client.ErrPaystackRejected

	_, err := h.svc.Initialize(context.Background(), voteRequest("1000"))
	require.ErrorIs(t, err, ErrProviderError)

	require.Len(t, h.gateway.initReqs, 1)
	intent, err := h.repo.GetIntent(context.Background(), h.gateway.initReqs[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, intent.Status)
	assert.Equal(t, reasonProviderRejected, intent.FailureReason)
}

func TestInitializeProviderUnavailableFailsIntent(t *testing.T) {
	h := newPaymentHarness(t, false)
	h.gateway.initErr = client.ErrPaystackUnavailable

	_, err := h.svc.Initialize(context.Background(), voteRequest("1000"))
	require.ErrorIs(t, err, ErrProviderError)

	intent, err := h.repo.GetIntent(context.Background(), h.gateway.initReqs[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, reasonProviderUnavailable, intent.FailureReason)
}

func TestInitializeRequiresVerifiedVoter(t *testing.T) {
	h := newPaymentHarness(t, true)
	ctx := context.Background()
	hasher := h.svc.hasher

	_, err := h.svc.Initialize(ctx, voteRequest("1000"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := h.tokens.Issue(hasher.HashIdentifier("someone@example.com"), "email")
	require.NoError(t, err)
	req := voteRequest("1000")
	req.VerificationToken = other
	_, err = h.svc.Initialize(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := h.tokens.Issue(hasher.HashIdentifier("fan@example.com"), "email")
	require.NoError(t, err)
	req.VerificationToken = token
	_, err = h.svc.Initialize(ctx, req)
	assert.NoError(t, err)
}

func TestVoteTally(t *testing.T) {
	h := newPaymentHarness(t, false)
	ctx := context.Background()
	h.repo.artists["artist-1"].VoteCount = 12
	h.repo.artists["artist-1"].AmountRaised = 120000

	tally, err := h.svc.VoteTally(ctx, "artist-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), tally.VoteCount)
	assert.Equal(t, int64(120000), tally.AmountRaised)

	_, err = h.svc.VoteTally(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.VoteTally(ctx, "<script>")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReferencesAreUnique(t *testing.T) {
	h := newPaymentHarness(t, false)
	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		ref, err := h.svc.newReference(models.PaymentTypeVote)
		require.NoError(t, err)
		require.Regexp(t, referencePattern, ref)
		_, dup := seen[ref]
		require.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
}
