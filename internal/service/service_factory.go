package service

import (
	"github.com/bwmarrin/snowflake"

	"checkout-service/internal/bucketing"
	"checkout-service/internal/config"
	"checkout-service/internal/encryption"
	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/postgres"
	"checkout-service/internal/repository/scylla"
)

// ServiceDeps is everything the services are built from. Optional
// collaborators (Notifier, Indexer, Analytics, Captcha) may be nil.
type ServiceDeps struct {
	Config        *config.Config
	OTPRepo       scylla.OTPRepository
	PaymentRepo   postgres.PaymentRepository
	Counter       WindowCounter
	Failures      FailureStore
	Captcha       CaptchaVerifier
	Senders       map[models.OTPMethod]OTPSender
	Gateway       PaymentGateway
	Notifier      Notifier
	Indexer       AuditIndexer
	Analytics     AnalyticsRecorder
	Hasher        *hashing.Hasher
	EncryptionMgr *encryption.EncryptionManager
	BucketingMgr  *bucketing.BucketingManager
	Node          *snowflake.Node
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps ServiceDeps

	tokens          *TokenIssuer
	limiter         *RateLimiter
	otpService      *OTPService
	paymentService  *PaymentService
	reconciler      *Reconciler
	webhookVerifier *WebhookVerifier
}

func NewServiceFactory(deps ServiceDeps) *ServiceFactory {
	return &ServiceFactory{deps: deps}
}

func (f *ServiceFactory) TokenIssuer() *TokenIssuer {
	if f.tokens == nil {
		f.tokens = NewTokenIssuer(f.deps.Config.JWT)
	}
	return f.tokens
}

func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.limiter == nil {
		f.limiter = NewRateLimiter(f.deps.Counter, f.deps.Failures, f.deps.Captcha, f.deps.Config.RateLimit)
	}
	return f.limiter
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		cfg := f.deps.Config.OTP
		f.otpService = NewOTPService(
			f.deps.OTPRepo,
			f.deps.Hasher,
			f.deps.EncryptionMgr,
			f.RateLimiter(),
			f.TokenIssuer(),
			f.deps.Senders,
			OTPServiceConfig{Length: cfg.Length, TTL: cfg.TTL, MaxAttempts: cfg.MaxAttempts},
		)
	}
	return f.otpService
}

func (f *ServiceFactory) PaymentService() *PaymentService {
	if f.paymentService == nil {
		cfg := f.deps.Config
		f.paymentService = NewPaymentService(
			f.deps.PaymentRepo,
			f.deps.Gateway,
			f.deps.Node,
			f.TokenIssuer(),
			f.deps.Hasher,
			PaymentServiceConfig{
				Currency:             cfg.Payments.Currency,
				VoteUnitPrice:        cfg.Payments.VoteUnitPrice,
				MaxAmount:            cfg.Payments.MaxAmount,
				CallbackURL:          cfg.Paystack.CallbackURL,
				RequireVerifiedVoter: cfg.Payments.RequireVerifiedVoter,
			},
		)
	}
	return f.paymentService
}

func (f *ServiceFactory) Reconciler() *Reconciler {
	if f.reconciler == nil {
		f.reconciler = NewReconciler(
			f.deps.PaymentRepo,
			f.deps.Gateway,
			f.deps.Notifier,
			f.deps.Indexer,
			f.deps.Analytics,
			f.deps.BucketingMgr,
			ReconcilerConfig{
				NotificationsTopic: f.deps.Config.Kafka.NotificationsTopic,
				AuditIndexPrefix:   f.deps.Config.Elasticsearch.IndexPrefix,
			},
		)
	}
	return f.reconciler
}

func (f *ServiceFactory) WebhookVerifier() *WebhookVerifier {
	if f.webhookVerifier == nil {
		f.webhookVerifier = NewWebhookVerifier(f.deps.Config.Paystack.SecretKey, f.Reconciler())
	}
	return f.webhookVerifier
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.deps.EncryptionMgr != nil {
		f.deps.EncryptionMgr.ClearCache()
	}
}
