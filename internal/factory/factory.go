package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/bwmarrin/snowflake"

	"checkout-service/internal/bucketing"
	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/encryption"
	"checkout-service/internal/handler"
	"checkout-service/internal/hashing"
	"checkout-service/internal/models"
	"checkout-service/internal/repository/postgres"
	redisrepo "checkout-service/internal/repository/redis"
	"checkout-service/internal/repository/scylla"
	"checkout-service/internal/service"
	"checkout-service/internal/tls"
	"checkout-service/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Stores
	redisClient  *client.RedisClient
	scyllaClient *scylla.ScyllaClient
	postgresDB   *postgres.DB

	// Fan-out sinks, optional outside production
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Providers
	paystack *client.PaystackClient
	mailer   *client.MailerClient
	sms      *client.SMSClient
	captcha  *client.CaptchaClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	node              *snowflake.Node

	otpRepository     scylla.OTPRepository
	paymentRepository postgres.PaymentRepository
	serviceFactory    *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory connects every store and provider described by cfg. Redis,
// ScyllaDB and Postgres are required; the fan-out sinks only fail startup in
// production.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := f.initializeManagers(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.otpRepository = scylla.NewOTPRepository(f.scyllaClient)
	f.paymentRepository = postgres.NewPaymentRepository(f.postgresDB)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)

	return f, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	// Redis
	redisClient, err := client.NewRedisClient(ctx, f.config)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	// ScyllaDB
	scyllaClient, err := scylla.NewScyllaClient(f.config)
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient
	if err := scyllaClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("scylla health check: %w", err)
	}

	// Postgres
	db, err := postgres.Connect(ctx, f.config)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	f.postgresDB = db

	var sinkErrors []error

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		sinkErrors = append(sinkErrors, fmt.Errorf("kafka: %w", err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(ctx, f.config); err != nil {
		sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(ctx, f.config); err != nil {
		sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
	}

	if len(sinkErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(sinkErrors...))
		}
		for _, err := range sinkErrors {
			util.Warn("Proceeding without sink", util.ErrorField(err))
		}
	}

	f.paystack = client.NewPaystackClient(f.config)
	f.captcha = client.NewCaptchaClient(f.config)
	if f.config.Mailer.APIKey != "" {
		f.mailer = client.NewMailerClient(f.config)
	} else {
		util.Warn("MAILERSEND_API_KEY not set; email OTP delivery disabled")
	}
	if f.config.SMS.GatewayURL != "" {
		f.sms = client.NewSMSClient(f.config)
	}

	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and the
// reference generator.
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var keys encryption.KeyService
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		keys = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, keys)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	node, err := snowflake.NewNode(f.config.Payments.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	f.node = node

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Int64("node_id", f.config.Payments.NodeID),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		deps := service.ServiceDeps{
			Config:        f.config,
			OTPRepo:       f.otpRepository,
			PaymentRepo:   f.paymentRepository,
			Counter:       redisrepo.NewRateLimitCache(f.redisClient, f.bucketingManager),
			Failures:      redisrepo.NewOTPCache(f.redisClient),
			Captcha:       f.captcha,
			Senders:       f.senders(),
			Gateway:       f.paystack,
			Hasher:        f.hasher,
			EncryptionMgr: f.encryptionManager,
			BucketingMgr:  f.bucketingManager,
			Node:          f.node,
		}
		// Typed nils must not leak into the optional interfaces.
		if f.kafkaProducer != nil {
			deps.Notifier = f.kafkaProducer
		}
		if f.esClient != nil {
			deps.Indexer = f.esClient
		}
		if f.clickhouseClient != nil {
			deps.Analytics = f.clickhouseClient
		}
		f.serviceFactory = service.NewServiceFactory(deps)
	}
	return f.serviceFactory
}

func (f *Factory) senders() map[models.OTPMethod]service.OTPSender {
	senders := make(map[models.OTPMethod]service.OTPSender, 2)
	if f.mailer != nil {
		senders[models.OTPMethodEmail] = f.mailer
	}
	if f.sms != nil {
		senders[models.OTPMethodSMS] = f.sms
	}
	return senders
}

// ==============================
// Health Checks
// ==============================

// HealthCheckers lists the dependencies reported by /health. The sinks are
// only listed when connected.
func (f *Factory) HealthCheckers() map[string]handler.HealthChecker {
	checkers := map[string]handler.HealthChecker{
		"redis":    handler.HealthCheckFunc(f.redisClient.HealthCheck),
		"scylla":   handler.HealthCheckFunc(f.otpRepository.HealthCheck),
		"postgres": handler.HealthCheckFunc(f.postgresDB.Ready),
		"paystack": handler.HealthCheckFunc(f.paystack.HealthCheck),
	}
	if f.kafkaProducer != nil {
		checkers["kafka"] = handler.HealthCheckFunc(f.kafkaProducer.HealthCheck)
	}
	if f.esClient != nil {
		checkers["elasticsearch"] = handler.HealthCheckFunc(f.esClient.HealthCheck)
	}
	if f.clickhouseClient != nil {
		checkers["clickhouse"] = handler.HealthCheckFunc(f.clickhouseClient.HealthCheck)
	}
	return checkers
}

// Close releases every client. It is safe to call more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.postgresDB != nil {
			f.postgresDB.Close()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
