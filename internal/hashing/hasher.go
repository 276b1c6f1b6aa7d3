package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"checkout-service/internal/config"
	"checkout-service/internal/util"

	"golang.org/x/crypto/argon2"
)

const algorithmArgon2id = "argon2id-v1"

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrUnknownPepper   = errors.New("pepper version not found")
	ErrMissingPeppers  = errors.New("no hashing peppers configured")
	ErrUnsupportedAlgo = errors.New("unsupported hash algorithm")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives Argon2id hashes for short secrets such as OTP codes. Peppers
// are versioned and shared across instances through configuration, so a code
// hashed on one node verifies on any other.
type Hasher struct {
	params         Argon2Params
	peppers        map[int]string
	currentVersion int
	identifierKey  []byte
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	peppers := make(map[int]string, len(cfg.Hashing.Peppers))
	for v, p := range cfg.Hashing.Peppers {
		peppers[v] = p
	}
	version := cfg.Hashing.PepperVersion
	identifierKey := []byte(cfg.Hashing.IdentifierKey)

	if len(peppers) == 0 || len(identifierKey) == 0 {
		if cfg.IsProduction() {
			return nil, ErrMissingPeppers
		}
		// Development nodes get an ephemeral pepper; codes do not survive a restart.
		if len(peppers) == 0 {
			peppers[version] = randomSecret()
		}
		if len(identifierKey) == 0 {
			identifierKey = []byte(randomSecret())
		}
		util.Warn("Using ephemeral hashing secrets", util.Int("pepper_version", version))
	}
	if _, ok := peppers[version]; !ok {
		return nil, fmt.Errorf("%w: current version %d", ErrUnknownPepper, version)
	}

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers:        peppers,
		currentVersion: version,
		identifierKey:  identifierKey,
	}, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate hashing secret", util.ErrorField(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// HashIdentifier returns a keyed SHA-256 of a normalized email or phone. It is
// deterministic so it can serve as a partition and cache key.
func (h *Hasher) HashIdentifier(identifier string) string {
	mac := hmac.New(sha256.New, h.identifierKey)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	return h.hashWithPepper(code, "otp")
}

func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(code, stored, "otp")
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := h.derive(data, h.peppers[h.currentVersion], purpose, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.currentVersion,
		Algorithm:     algorithmArgon2id,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, stored *HashResult, purpose string) (bool, error) {
	if stored.Algorithm != algorithmArgon2id {
		return false, ErrUnsupportedAlgo
	}
	pepper, ok := h.peppers[stored.PepperVersion]
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(data, pepper, purpose, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// The purpose suffix keeps a hash for one use from validating another.
func (h *Hasher) derive(data, pepper, purpose string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}

func (h *Hasher) CurrentPepperVersion() int {
	return h.currentVersion
}
