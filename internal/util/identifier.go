package util

import (
	"net/mail"
	"os"
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizeIdentifier trims and lower-cases emails and strips formatting from
// phone numbers so the same person always maps to the same key.
func NormalizeIdentifier(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(s)
}

// IsEmail reports whether a normalized identifier is an email address.
func IsEmail(identifier string) bool {
	if !strings.Contains(identifier, "@") {
		return false
	}
	addr, err := mail.ParseAddress(identifier)
	return err == nil && addr.Address == identifier
}

func IsPhone(identifier string) bool {
	return phonePattern.MatchString(identifier)
}

// MaskIdentifier keeps enough of an identifier for log correlation.
func MaskIdentifier(identifier string) string {
	if at := strings.IndexByte(identifier, '@'); at > 0 {
		return identifier[:1] + "***" + identifier[at:]
	}
	if len(identifier) > 4 {
		return "***" + identifier[len(identifier)-4:]
	}
	return "***"
}

// ContainsSuspicious flags markup and template characters in free-text fields.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
