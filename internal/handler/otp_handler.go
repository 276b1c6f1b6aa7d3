package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"
)

// OTPHandler handles HTTP requests for one-time code issue and verification
type OTPHandler struct {
	responder
	otpService   *service.OTPService
	maxBodyBytes int64
}

func NewOTPHandler(otpService *service.OTPService, maxBodyBytes int64, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		responder:    responder{logger: logger},
		otpService:   otpService,
		maxBodyBytes: maxBodyBytes,
	}
}

type sendOTPResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ExpiresIn int    `json:"expiresIn"`
}

type verifyOTPResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	VerificationToken string `json:"verificationToken"`
	ExpiresIn         int    `json:"expiresIn"`
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/resend", h.ResendOTP)
		r.Post("/verify", h.VerifyOTP)
	})
}

// SendOTP issues a code to an email address or phone number
func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, h.otpService.Send)
}

// ResendOTP invalidates outstanding codes and issues a new one
func (h *OTPHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, h.otpService.Resend)
}

type issueFunc func(ctx context.Context, req *models.SendOTPRequest, ip string) (*models.SendOTPResult, error)

func (h *OTPHandler) issue(w http.ResponseWriter, r *http.Request, fn issueFunc) {
	startTime := time.Now()

	var req models.SendOTPRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	result, err := fn(r.Context(), &req, clientIP(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, sendOTPResponse{
		Success:   true,
		Message:   "Verification code sent",
		ExpiresIn: result.ExpiresIn,
	})
	h.logger.Info("OTP issued via HTTP",
		util.String("path", r.URL.Path),
		util.Duration("duration", time.Since(startTime)))
}

// VerifyOTP checks a submitted code and returns a verification token
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyOTPRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	result, err := h.otpService.Verify(r.Context(), &req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, verifyOTPResponse{
		Success:           true,
		Message:           "Verification successful",
		VerificationToken: result.VerificationToken,
		ExpiresIn:         result.ExpiresIn,
	})
}
