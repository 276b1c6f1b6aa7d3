package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"checkout-service/internal/service"
	"checkout-service/internal/util"
)

const signatureHeader = "x-paystack-signature"

// WebhookHandler receives provider callbacks. The body is read raw so the
// signature covers exactly the bytes that were sent.
type WebhookHandler struct {
	responder
	verifier     *service.WebhookVerifier
	maxBodyBytes int64
}

func NewWebhookHandler(verifier *service.WebhookVerifier, maxBodyBytes int64, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		responder:    responder{logger: logger},
		verifier:     verifier,
		maxBodyBytes: maxBodyBytes,
	}
}

func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/payments/webhook", h.HandleWebhook)
}

func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondWithJSON(w, http.StatusRequestEntityTooLarge, Response{Success: false, Message: "Payload too large"})
			return
		}
		h.respondWithError(w, r, err)
		return
	}

	outcome, err := h.verifier.Handle(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.logger.Debug("Webhook processed", util.String("outcome", string(outcome)))
	h.respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
