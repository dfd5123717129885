package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"payment-service/internal/gateway"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/service"
)

const (
	SignatureHeader = "X-Signature"
	maxBodyBytes    = 1 << 20
	contentType     = "application/json"
)

type PaymentService interface {
	HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (*service.WebhookResult, error)
	CreatePayment(ctx context.Context, amount decimal.Decimal, description string, ownerID int64, returnURL string) (*model.Payment, error)
	GetStatus(ctx context.Context, paymentID string) (*model.Payment, error)
}

type CreatePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	OwnerID     int64           `json:"ownerId"`
	ReturnURL   string          `json:"returnUrl"`
}

type WebhookResponse struct {
	PaymentID string       `json:"paymentId"`
	Status    model.Status `json:"status"`
	Outcome   string       `json:"outcome"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	svc    PaymentService
	logger *slog.Logger
}

func NewHandler(svc PaymentService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /webhooks/payments", h.handleWebhook)
	mux.HandleFunc("POST /payments", h.createPayment)
	mux.HandleFunc("GET /payments/{id}", h.getPayment)

	return requestLogging(h.logger, mux)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "unreadable_body")
		return
	}

	res, err := h.svc.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		var webhookErr *service.WebhookError
		if !errors.As(err, &webhookErr) {
			h.logger.ErrorContext(r.Context(), "Unexpected webhook error", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		h.writeError(w, webhookStatus(webhookErr.Kind), webhookErr.Kind.String())
		return
	}

	h.writeJSON(w, http.StatusOK, WebhookResponse{
		PaymentID: res.Payment.ID,
		Status:    res.Payment.Status,
		Outcome:   res.Outcome.String(),
	})
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}

	p, err := h.svc.CreatePayment(r.Context(), req.Amount, req.Description, req.OwnerID, req.ReturnURL)
	if err != nil {
		h.writePaymentError(r.Context(), w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writePaymentError(r.Context(), w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

func webhookStatus(kind service.WebhookErrorKind) int {
	switch kind {
	case service.KindInvalidSignature:
		return http.StatusUnauthorized
	case service.KindMalformedPayload, service.KindParseError:
		return http.StatusBadRequest
	case service.KindUnknownPayment:
		return http.StatusNotFound
	case service.KindAmountMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	var statusErr *gateway.StatusError

	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, service.ErrUnknownPayment):
		h.writeError(w, http.StatusNotFound, "unknown_payment")
	case errors.Is(err, gateway.ErrRetryExhausted):
		h.writeError(w, http.StatusServiceUnavailable, "gateway_unavailable")
	case errors.Is(err, service.ErrAmountMismatch):
		h.writeError(w, http.StatusBadGateway, "amount_mismatch")
	case errors.Is(err, service.ErrUnexpectedStatus):
		h.writeError(w, http.StatusBadGateway, "unexpected_gateway_status")
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		h.writeError(w, http.StatusNotFound, "unknown_payment")
	case errors.As(err, &statusErr):
		h.writeError(w, http.StatusBadGateway, "gateway_rejected")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "canceled")
	default:
		h.logger.ErrorContext(ctx, "Payment request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", "status", status, "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: code})
}
