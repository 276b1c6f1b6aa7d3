package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg := LoadConfig()

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.BackoffBase)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.BackoffMax)
	assert.Equal(t, 3, cfg.RateLimit.CaptchaThreshold)
	assert.Equal(t, int64(10000000), cfg.Payments.MaxAmount)
	assert.Same(t, cfg, Get())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HASHING_PEPPERS", "1:old,2:new,bad,3:")
	t.Setenv("HASHING_PEPPER_VERSION", "2")
	t.Setenv("OTP_TTL", "5m")

	cfg := LoadConfig()

	assert.Equal(t, ":9090", cfg.GetServerAddress())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[int]string{1: "old", 2: "new"}, cfg.Hashing.Peppers)
	assert.Equal(t, 2, cfg.Hashing.PepperVersion)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PAYSTACK_SECRET_KEY", "")
	t.Setenv("HASHING_PEPPERS", "")

	cfg := LoadConfig()

	assert.True(t, cfg.IsProduction())
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYSTACK_SECRET_KEY")
	assert.Contains(t, err.Error(), "HASHING_PEPPERS")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
