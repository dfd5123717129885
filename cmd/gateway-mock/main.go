// Command gateway-mock is a local stand-in for the payment gateway. It honors
// idempotency keys, fails a configurable share of create calls after storing
// the payment (a lost response), and can deliver signed webhooks on demand.
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"payment-service/internal/model"
	"payment-service/internal/payload"
	"payment-service/internal/signature"
)

const (
	idempotencyKeyHeader = "Idempotence-Key"
	signatureHeader      = "X-Signature"
	contentType          = "application/json"
)

type mockConfig struct {
	Port          string  `mapstructure:"port"`
	ErrorRate     float64 `mapstructure:"error-rate"`
	WebhookURL    string  `mapstructure:"webhook-url"`
	WebhookSecret string  `mapstructure:"webhook-secret"`
	ConfirmURL    string  `mapstructure:"confirm-url"`
}

func loadConfig() (mockConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("mock")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8085")
	v.SetDefault("error-rate", 0.0)
	v.SetDefault("webhook-url", "http://localhost:8080/webhooks/payments")
	v.SetDefault("webhook-secret", "")
	v.SetDefault("confirm-url", "http://localhost:8085/confirm/")

	var cfg mockConfig
	err := v.Unmarshal(&cfg)
	return cfg, err
}

type gatewayMock struct {
	mu       sync.Mutex
	payments map[string]*payload.GatewayPayment
	byKey    map[string]string

	cfg    mockConfig
	failFn func() bool
	client *http.Client
	logger *slog.Logger
}

func newGatewayMock(cfg mockConfig, logger *slog.Logger) *gatewayMock {
	return &gatewayMock{
		payments: make(map[string]*payload.GatewayPayment),
		byKey:    make(map[string]string),
		cfg:      cfg,
		failFn:   func() bool { return rand.Float64() < cfg.ErrorRate },
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (g *gatewayMock) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payments)
}

func (g *gatewayMock) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/payments", g.createPayment)
	mux.HandleFunc("GET /v3/payments/{id}", g.getPayment)
	mux.HandleFunc("POST /v3/payments/{id}/notify", g.notify)
	return mux
}

func (g *gatewayMock) createPayment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		g.writeJSON(w, http.StatusUnauthorized, payload.Error{Code: "invalid_credentials", Description: "basic auth required"})
		return
	}
	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" {
		g.writeJSON(w, http.StatusBadRequest, payload.Error{Code: "invalid_request", Description: idempotencyKeyHeader + " header is required"})
		return
	}

	var req payload.CreatePayment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Amount.Value.IsPositive() {
		g.writeJSON(w, http.StatusBadRequest, payload.Error{Code: "invalid_request", Description: "amount must be positive"})
		return
	}

	g.mu.Lock()
	p, duplicate := g.payments[g.byKey[key]]
	if duplicate {
		g.logger.Warn("Duplicate idempotency key, returning existing payment", "idempotencyKey", key, "paymentId", p.ID)
	} else {
		id := uuid.NewString()
		p = &payload.GatewayPayment{
			ID:          id,
			Status:      string(model.StatusPending),
			Amount:      req.Amount,
			Description: req.Description,
			Confirmation: payload.Confirmation{
				Type:            "redirect",
				ConfirmationURL: g.cfg.ConfirmURL + id,
			},
			Metadata:  req.Metadata,
			CreatedAt: time.Now().UTC(),
		}
		g.payments[id] = p
		g.byKey[key] = id
	}
	resp := *p
	g.mu.Unlock()

	if g.failFn() {
		g.writeJSON(w, http.StatusInternalServerError, payload.Error{Code: "internal_server_error", Description: "response lost"})
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *gatewayMock) getPayment(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	p, ok := g.payments[r.PathValue("id")]
	var resp payload.GatewayPayment
	if ok {
		resp = *p
	}
	g.mu.Unlock()

	if !ok {
		g.writeJSON(w, http.StatusNotFound, payload.Error{Code: "not_found", Description: "payment not found"})
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// notify moves a pending payment to ?status= and posts the signed webhook.
func (g *gatewayMock) notify(w http.ResponseWriter, r *http.Request) {
	status, err := model.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, payload.Error{Code: "invalid_request", Description: err.Error()})
		return
	}

	g.mu.Lock()
	p, ok := g.payments[r.PathValue("id")]
	if ok && p.Status == string(model.StatusPending) {
		p.Status = string(status)
	}
	var snapshot payload.GatewayPayment
	if ok {
		snapshot = *p
	}
	g.mu.Unlock()

	if !ok {
		g.writeJSON(w, http.StatusNotFound, payload.Error{Code: "not_found", Description: "payment not found"})
		return
	}

	body, err := json.Marshal(notification(snapshot))
	if err != nil {
		g.writeJSON(w, http.StatusInternalServerError, payload.Error{Code: "internal_server_error", Description: err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, g.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		g.writeJSON(w, http.StatusInternalServerError, payload.Error{Code: "internal_server_error", Description: err.Error()})
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(signatureHeader, signature.Sign(body, []byte(g.cfg.WebhookSecret)))

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("Webhook delivery failed", "paymentId", snapshot.ID, "error", err)
		g.writeJSON(w, http.StatusBadGateway, payload.Error{Code: "delivery_failed", Description: err.Error()})
		return
	}
	resp.Body.Close()

	g.logger.Info("Webhook delivered", "paymentId", snapshot.ID, "status", snapshot.Status, "responseStatus", resp.StatusCode)
	g.writeJSON(w, http.StatusOK, map[string]int{"deliveryStatus": resp.StatusCode})
}

func notification(p payload.GatewayPayment) payload.Notification {
	n := payload.Notification{
		PaymentID: p.ID,
		Status:    p.Status,
		Amount:    decimal.NewNullDecimal(p.Amount.Value),
		CreatedAt: &p.CreatedAt,
	}
	if userID, err := strconv.ParseInt(p.Metadata["user_id"], 10, 64); err == nil {
		n.UserID = &userID
	}
	return n
}

func (g *gatewayMock) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("Failed to write response", "status", status, "error", err)
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "gateway-mock")
	if cfg.WebhookSecret == "" {
		logger.Warn("MOCK_WEBHOOK_SECRET is empty, delivered webhooks will be rejected")
	}

	mock := newGatewayMock(cfg, logger)

	logger.Info("Starting gateway mock", "port", cfg.Port, "errorRate", cfg.ErrorRate)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, loggingMiddleware(logger, countMiddleware(logger, mock.routes()))))
}
