package service

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"checkout-service/internal/bucketing"
	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/encryption"
	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/postgres"
	redisrepo "checkout-service/internal/repository/redis"
	"checkout-service/internal/repository/scylla"
	"checkout-service/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  64,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           map[int]string{1: "test-pepper"},
			PepperVersion:     1,
			IdentifierKey:     "test-identifier-key",
		},
		KMS: config.KMSConfig{LocalKey: "test-master-key"},
		OTP: config.OTPConfig{Length: 6, TTL: 10 * time.Minute, MaxAttempts: 5},
		RateLimit: config.RateLimitConfig{
			IPLimit:          20,
			IPWindow:         time.Hour,
			IdentifierLimit:  5,
			IdentifierWindow: time.Hour,
			BackoffBase:      30 * time.Second,
			BackoffMax:       15 * time.Minute,
			FailureWindow:    time.Hour,
			CaptchaThreshold: 3,
		},
		Payments: config.PaymentsConfig{Currency: "NGN", VoteUnitPrice: 100, NodeID: 1},
		Paystack: config.PaystackConfig{SecretKey: "sk_test_secret", CallbackURL: "https://example.test/callback"},
		JWT:      config.JWTConfig{Secret: "jwt-test-secret", TTL: 15 * time.Minute, Issuer: "checkout-service"},
	}
}

func newTestHasher(t *testing.T, cfg *config.Config) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasher(cfg)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	return h
}

// newTestRedis returns miniredis-backed caches sharing one clock.
func newTestRedis(t *testing.T, cfg *config.Config, clock *testClock) (*miniredis.Miniredis, *redisrepo.RateLimitCache, *redisrepo.OTPCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	buckets := bucketing.NewBucketingManager(cfg).WithClock(clock.Now)
	return mr, redisrepo.NewRateLimitCache(rc, buckets), redisrepo.NewOTPCache(rc)
}

// fakeOTPRepo mirrors the LWT semantics of the Scylla repository.
type fakeOTPRepo struct {
	mu      sync.Mutex
	records map[string][]*models.OTPRecord
}

var _ scylla.OTPRepository = (*fakeOTPRepo)(nil)

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{records: make(map[string][]*models.OTPRecord)}
}

func (f *fakeOTPRepo) find(rec *models.OTPRecord) *models.OTPRecord {
	for _, r := range f.records[rec.IdentifierHash] {
		if r.OTPID == rec.OTPID {
			return r
		}
	}
	return nil
}

func (f *fakeOTPRepo) CreateOTP(_ context.Context, rec *models.OTPRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.IdentifierHash] = append(f.records[rec.IdentifierHash], &cp)
	return nil
}

func (f *fakeOTPRepo) GetLatestOTP(_ context.Context, hash string) (*models.OTPRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.records[hash]
	if len(recs) == 0 {
		return nil, scylla.ErrOTPNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeOTPRepo) InvalidateActive(_ context.Context, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records[hash] {
		if !r.IsUsed {
			r.IsUsed = true
			n++
		}
	}
	return n, nil
}

func (f *fakeOTPRepo) CompareAndSetAttempts(_ context.Context, rec *models.OTPRecord, expected, next int) (bool, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.find(rec)
	if stored == nil {
		return false, 0, false, nil
	}
	if stored.Attempts != expected || stored.IsUsed {
		return false, stored.Attempts, stored.IsUsed, nil
	}
	stored.Attempts = next
	return true, next, false, nil
}

func (f *fakeOTPRepo) MarkUsed(_ context.Context, rec *models.OTPRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.find(rec)
	if stored == nil || stored.IsUsed {
		return false, nil
	}
	stored.IsUsed = true
	return true, nil
}

func (f *fakeOTPRepo) HealthCheck(context.Context) error { return nil }

func (f *fakeOTPRepo) all(hash string) []models.OTPRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OTPRecord, 0, len(f.records[hash]))
	for _, r := range f.records[hash] {
		out = append(out, *r)
	}
	return out
}

type fakeSender struct {
	mu    sync.Mutex
	codes map[string][]string
	err   error
}

func newFakeSender() *fakeSender {
	return &fakeSender{codes: make(map[string][]string)}
}

func (s *fakeSender) SendOTP(_ context.Context, to, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[to] = append(s.codes[to], code)
	return s.err
}

func (s *fakeSender) last(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[to]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

type fakeCaptcha struct {
	accept string
	calls  int
}

func (c *fakeCaptcha) Verify(_ context.Context, token, _ string) (bool, error) {
	c.calls++
	return token == c.accept, nil
}

// fakePaymentRepo mirrors the conditional transitions of the Postgres
// repository, including the domain tallies.
type fakePaymentRepo struct {
	mu      sync.Mutex
	intents map[string]*models.PaymentIntent
	artists map[string]*models.VoteTally
	events  map[string]int
}

var _ postgres.PaymentRepository = (*fakePaymentRepo)(nil)

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		intents: make(map[string]*models.PaymentIntent),
		artists: map[string]*models.VoteTally{"artist-1": {ArtistID: "artist-1"}},
		events:  map[string]int{"event-1": 0},
	}
}

func (f *fakePaymentRepo) CreateIntent(_ context.Context, intent *models.PaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.intents[intent.Reference]; ok {
		return postgres.ErrDuplicateReference
	}
	switch intent.Type {
	case models.PaymentTypeVote:
		if _, ok := f.artists[intent.Metadata.ArtistID]; !ok {
			return postgres.ErrUnknownTarget
		}
	case models.PaymentTypeTicket:
		if _, ok := f.events[intent.Metadata.EventID]; !ok {
			return postgres.ErrUnknownTarget
		}
	}
	now := time.Now().UTC()
	intent.Status = models.PaymentPending
	intent.CreatedAt, intent.UpdatedAt = now, now
	cp := *intent
	f.intents[intent.Reference] = &cp
	return nil
}

func (f *fakePaymentRepo) MarkProcessing(_ context.Context, ref, accessCode, authURL string, _ []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[ref]
	if !ok {
		return false, postgres.ErrIntentNotFound
	}
	intent.AccessCode, intent.AuthorizationURL = accessCode, authURL
	if intent.Status == models.PaymentPending {
		intent.Status = models.PaymentProcessing
		return true, nil
	}
	return false, nil
}

func (f *fakePaymentRepo) CompletePayment(_ context.Context, ref string, paidAt time.Time, _ []byte) (*models.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[ref]
	if !ok {
		return nil, postgres.ErrIntentNotFound
	}
	if intent.Status.IsTerminal() {
		return nil, nil
	}
	from := intent.Status
	intent.Status = models.PaymentCompleted
	intent.PaidAt = &paidAt
	switch intent.Type {
	case models.PaymentTypeVote:
		tally := f.artists[intent.Metadata.ArtistID]
		tally.VoteCount += int64(intent.Metadata.Votes)
		tally.AmountRaised += intent.Amount
	case models.PaymentTypeTicket:
		f.events[intent.Metadata.EventID] += intent.Metadata.Quantity
	}
	cp := *intent
	return &models.Transition{Intent: &cp, FromStatus: from}, nil
}

func (f *fakePaymentRepo) FailPayment(_ context.Context, ref, reason string, _ []byte) (*models.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[ref]
	if !ok {
		return nil, postgres.ErrIntentNotFound
	}
	if intent.Status.IsTerminal() {
		return nil, nil
	}
	from := intent.Status
	intent.Status = models.PaymentFailed
	intent.FailureReason = reason
	cp := *intent
	return &models.Transition{Intent: &cp, FromStatus: from}, nil
}

func (f *fakePaymentRepo) GetIntent(_ context.Context, ref string) (*models.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[ref]
	if !ok {
		return nil, postgres.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (f *fakePaymentRepo) GetVoteTally(_ context.Context, artistID string) (*models.VoteTally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tally, ok := f.artists[artistID]
	if !ok {
		return nil, postgres.ErrUnknownTarget
	}
	cp := *tally
	return &cp, nil
}

func (f *fakePaymentRepo) Ready(context.Context) error { return nil }

type fakeGateway struct {
	mu       sync.Mutex
	initReqs []client.PaystackInitRequest
	initErr  error
	verify   map[string]*client.PaystackTransaction
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{verify: make(map[string]*client.PaystackTransaction)}
}

func (g *fakeGateway) InitializeTransaction(_ context.Context, req client.PaystackInitRequest) (*client.PaystackInitData, json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initReqs = append(g.initReqs, req)
	if g.initErr != nil {
		return nil, json.RawMessage(`{"status":false}`), g.initErr
	}
	return &client.PaystackInitData{
		AuthorizationURL: "https://checkout.paystack.com/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, json.RawMessage(`{"status":true}`), nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, ref string) (*client.PaystackTransaction, json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.verify[ref]
	if !ok {
		return nil, nil, client.ErrPaystackRejected
	}
	return tx, json.RawMessage(`{"status":true}`), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []models.PaymentNotification
	err      error
}

func (n *recordingNotifier) ProduceMessage(_ context.Context, _ string, _, value []byte, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var msg models.PaymentNotification
	if err := json.Unmarshal(value, &msg); err == nil {
		n.messages = append(n.messages, msg)
	}
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type recordingIndexer struct {
	mu   sync.Mutex
	docs map[string]interface{}
}

func (i *recordingIndexer) IndexDocument(_ context.Context, index, id string, doc interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.docs == nil {
		i.docs = make(map[string]interface{})
	}
	i.docs[index+"/"+id] = doc
	return nil
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []*models.PaymentAuditEvent
}

func (a *recordingAnalytics) InsertPaymentEvents(_ context.Context, events ...*models.PaymentAuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

func newTestEncryption(cfg *config.Config) *encryption.EncryptionManager {
	return encryption.NewEncryptionManager(cfg, nil)
}
