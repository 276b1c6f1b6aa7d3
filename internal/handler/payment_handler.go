package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"
)

// PaymentHandler handles payment initialization and status lookups
type PaymentHandler struct {
	responder
	paymentService *service.PaymentService
	reconciler     *service.Reconciler
	maxBodyBytes   int64
}

func NewPaymentHandler(paymentService *service.PaymentService, reconciler *service.Reconciler, maxBodyBytes int64, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		responder:      responder{logger: logger},
		paymentService: paymentService,
		reconciler:     reconciler,
		maxBodyBytes:   maxBodyBytes,
	}
}

type initializePaymentResponse struct {
	Success bool `json:"success"`
	models.InitializePaymentResult
}

type voteTallyResponse struct {
	Success bool `json:"success"`
	models.VoteTally
}

type paymentStatusResponse struct {
	Success   bool                 `json:"success"`
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
	PaidAt    *time.Time           `json:"paidAt,omitempty"`
}

func (h *PaymentHandler) RegisterRoutes(router chi.Router) {
	router.Post("/payments/initialize", h.InitializePayment)
	router.Get("/payments/verify/{reference}", h.VerifyPayment)
	router.Get("/artists/{artistID}/votes", h.GetVoteTally)
}

// InitializePayment creates a pending intent and returns the checkout URL
func (h *PaymentHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req models.InitializePaymentRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	result, err := h.paymentService.Initialize(r.Context(), &req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, initializePaymentResponse{Success: true, InitializePaymentResult: *result})
	h.logger.Info("Payment initialized via HTTP",
		util.String("reference", result.Reference),
		util.Duration("duration", time.Since(startTime)))
}

// VerifyPayment polls the provider for a reference and reports its status
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" || len(reference) > 64 {
		h.respondWithError(w, r, service.ErrValidation)
		return
	}

	intent, _, err := h.reconciler.VerifyAndReconcile(r.Context(), reference)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, paymentStatusResponse{
		Success:   true,
		Reference: intent.Reference,
		Status:    intent.Status,
		PaidAt:    intent.PaidAt,
	})
}

// GetVoteTally returns the settled vote count for an artist
func (h *PaymentHandler) GetVoteTally(w http.ResponseWriter, r *http.Request) {
	artistID := chi.URLParam(r, "artistID")
	if len(artistID) > 64 {
		h.respondWithError(w, r, service.ErrValidation)
		return
	}

	tally, err := h.paymentService.VoteTally(r.Context(), artistID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, voteTallyResponse{Success: true, VoteTally: *tally})
}
