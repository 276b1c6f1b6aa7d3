package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"checkout-service/internal/service"
	"checkout-service/internal/util"
)

const genericErrorMessage = "An error occurred, try again"

// Response is the envelope for every error and for plain acknowledgements.
type Response struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	RequiresCaptcha bool   `json:"requiresCaptcha,omitempty"`
	RetryAfter      int    `json:"retryAfter,omitempty"`
}

// responder holds the JSON helpers shared by the handlers.
type responder struct {
	logger *zap.Logger
}

// respondWithJSON sends a JSON response
func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status and a generic message. The error
// itself is only logged.
func (h responder) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := getStatusCode(err)
	body := Response{Success: false, Message: errorMessage(err)}

	if errors.Is(err, service.ErrCaptchaRequired) {
		body.RequiresCaptcha = true
	}
	if wait := service.RetryAfter(err); wait > 0 {
		seconds := int(math.Ceil(wait.Seconds()))
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	fields := []zap.Field{
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("path", r.URL.Path),
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", fields...)
	} else {
		h.logger.Warn("HTTP error response", fields...)
	}
	h.respondWithJSON(w, statusCode, body)
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited),
		errors.Is(err, service.ErrExhausted),
		errors.Is(err, service.ErrCaptchaRequired):
		return http.StatusTooManyRequests
	case service.IsVerificationFailure(err):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMissingSignature):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidSignature), errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrValidation):
		return "Invalid request"
	case errors.Is(err, service.ErrCaptchaRequired):
		return "Captcha verification required"
	case errors.Is(err, service.ErrExhausted):
		return "Too many attempts, request a new code"
	case errors.Is(err, service.ErrRateLimited):
		return "Too many requests, try again later"
	case service.IsVerificationFailure(err):
		return "Invalid or expired code"
	case errors.Is(err, service.ErrNotFound):
		return "Not found"
	case errors.Is(err, service.ErrMissingSignature):
		return "Missing signature"
	case errors.Is(err, service.ErrInvalidSignature):
		return "Invalid signature"
	case errors.Is(err, service.ErrInvalidToken):
		return "Verification required"
	case errors.Is(err, service.ErrProviderError):
		return "Provider unavailable, try again"
	default:
		return genericErrorMessage
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	return nil
}

// clientIP returns the caller address after middleware.RealIP has run.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
