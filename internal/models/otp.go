package models

import (
	"net"
	"time"
)

type OTPMethod string

const (
	OTPMethodEmail OTPMethod = "email"
	OTPMethodSMS   OTPMethod = "sms"
)

// OTPRecord is one issued code. Only the newest row per identifier hash is
// consulted on verification.
type OTPRecord struct {
	IdentifierHash      string    `db:"identifier_hash"`
	CreatedAt           time.Time `db:"created_at"`
	OTPID               string    `db:"otp_id"`
	EncryptedIdentifier string    `db:"encrypted_identifier"`
	EncryptedDEK        string    `db:"encrypted_dek"`
	KeyID               string    `db:"key_id"`
	Method              OTPMethod `db:"method"`
	OTPHash             string    `db:"otp_hash"`
	OTPSalt             string    `db:"otp_salt"`
	HashAlgorithm       string    `db:"hash_algorithm"`
	PepperVersion       int       `db:"pepper_version"`
	Attempts            int       `db:"attempts"`
	IsUsed              bool      `db:"is_used"`
	ExpiresAt           time.Time `db:"expires_at"`
	IPAddress           net.IP    `db:"ip_address"`
}

func (r *OTPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type SendOTPRequest struct {
	Email        string    `json:"email" validate:"omitempty,email,max=254"`
	Phone        string    `json:"phone" validate:"omitempty,e164"`
	Method       OTPMethod `json:"method" validate:"omitempty,oneof=email sms"`
	CaptchaToken string    `json:"captchaToken" validate:"omitempty,max=4096"`
}

// Identifier returns the address matching the method, defaulting to email.
func (r *SendOTPRequest) Identifier() (string, OTPMethod) {
	switch {
	case r.Method == OTPMethodSMS || (r.Method == "" && r.Email == "" && r.Phone != ""):
		return r.Phone, OTPMethodSMS
	default:
		return r.Email, OTPMethodEmail
	}
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=254"`
	Phone string `json:"phone" validate:"omitempty,e164"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=10"`
}

func (r *VerifyOTPRequest) Identifier() string {
	if r.Email != "" {
		return r.Email
	}
	return r.Phone
}

type SendOTPResult struct {
	ExpiresIn int `json:"expiresIn"`
}

type VerifyOTPResult struct {
	VerificationToken string `json:"verificationToken"`
	ExpiresIn         int    `json:"expiresIn"`
}
