package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/config"
)

func TestTokenIssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer(config.JWTConfig{Secret: "s1", TTL: time.Minute, Issuer: "checkout-service"})

	token, err := issuer.Issue("hash-1", "sms")
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", claims.Subject)
	assert.Equal(t, "sms", claims.Method)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenRejectsForeignAndExpired(t *testing.T) {
	issuer := NewTokenIssuer(config.JWTConfig{Secret: "s1", TTL: time.Minute, Issuer: "checkout-service"})
	other := NewTokenIssuer(config.JWTConfig{Secret: "s2", TTL: time.Minute, Issuer: "checkout-service"})

	token, err := other.Issue("hash-1", "email")
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = issuer.Issue("hash-1", "email")
	require.NoError(t, err)
	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
