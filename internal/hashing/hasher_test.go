package hashing

import (
	"testing"

	"checkout-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(peppers map[int]string, version int) *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           peppers,
			PepperVersion:     version,
			IdentifierKey:     "identifier-key",
		},
	}
}

func TestHashAndVerifyOTP(t *testing.T) {
	h, err := NewHasher(testConfig(map[int]string{1: "pepper-one"}, 1))
	require.NoError(t, err)

	result, err := h.HashOTP("123456")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PepperVersion)
	assert.NotContains(t, result.Hash, "123456")

	ok, err := h.VerifyOTP("123456", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("654321", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltMakesHashesDistinct(t *testing.T) {
	h, err := NewHasher(testConfig(map[int]string{1: "pepper-one"}, 1))
	require.NoError(t, err)

	a, err := h.HashOTP("111111")
	require.NoError(t, err)
	b, err := h.HashOTP("111111")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestVerifyWithRotatedPepper(t *testing.T) {
	old, err := NewHasher(testConfig(map[int]string{1: "pepper-one"}, 1))
	require.NoError(t, err)
	stored, err := old.HashOTP("424242")
	require.NoError(t, err)

	rotated, err := NewHasher(testConfig(map[int]string{1: "pepper-one", 2: "pepper-two"}, 2))
	require.NoError(t, err)
	ok, err := rotated.VerifyOTP("424242", stored)
	require.NoError(t, err)
	assert.True(t, ok)

	dropped, err := NewHasher(testConfig(map[int]string{2: "pepper-two"}, 2))
	require.NoError(t, err)
	_, err = dropped.VerifyOTP("424242", stored)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h, err := NewHasher(testConfig(map[int]string{1: "p"}, 1))
	require.NoError(t, err)

	_, err = h.VerifyOTP("1", &HashResult{Hash: "%%%", Salt: "AAAA", PepperVersion: 1, Algorithm: algorithmArgon2id})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyOTP("1", &HashResult{Algorithm: "md5"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgo)
}

func TestHashIdentifierIsDeterministic(t *testing.T) {
	h, err := NewHasher(testConfig(map[int]string{1: "p"}, 1))
	require.NoError(t, err)

	assert.Equal(t, h.HashIdentifier("jane@example.com"), h.HashIdentifier("jane@example.com"))
	assert.NotEqual(t, h.HashIdentifier("jane@example.com"), h.HashIdentifier("john@example.com"))
	assert.Len(t, h.HashIdentifier("x"), 64)
}

func TestNewHasherProductionRequiresPeppers(t *testing.T) {
	cfg := testConfig(nil, 1)
	cfg.Environment = "production"
	_, err := NewHasher(cfg)
	assert.ErrorIs(t, err, ErrMissingPeppers)
}

func TestNewHasherRejectsUnknownCurrentVersion(t *testing.T) {
	_, err := NewHasher(testConfig(map[int]string{1: "p"}, 3))
	assert.ErrorIs(t, err, ErrUnknownPepper)
}
