package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"payment-service/internal/payload"
)

const (
	IdempotencyKeyHeader = "Idempotence-Key"
	contentType          = "application/json"
)

type ClientConfig struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	Currency  string
}

type CreatePaymentRequest struct {
	Amount         decimal.Decimal
	Description    string
	OwnerID        int64
	ReturnURL      string
	IdempotencyKey string
}

// Client speaks the gateway's REST API. Every call goes through the retrying
// client; create calls carry the caller's idempotency key on every attempt.
type Client struct {
	retrying  *RetryingClient
	baseURL   *url.URL
	shopID    string
	secretKey string
	currency  string
	logger    *slog.Logger
}

func NewClient(cfg ClientConfig, retrying *RetryingClient, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("gateway base url must be absolute, got %q", cfg.BaseURL)
	}
	if cfg.Currency == "" {
		return nil, errors.New("gateway currency is required")
	}

	return &Client{
		retrying:  retrying,
		baseURL:   base,
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		currency:  cfg.Currency,
		logger:    logger,
	}, nil
}

func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*payload.GatewayPayment, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("create payment: idempotency key is required")
	}

	body, err := json.Marshal(payload.CreatePayment{
		Amount: payload.Amount{
			Value:    req.Amount,
			Currency: c.currency,
		},
		Capture: true,
		Confirmation: payload.Confirmation{
			Type:      "redirect",
			ReturnURL: req.ReturnURL,
		},
		Description: req.Description,
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(req.OwnerID, 10),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal create payment request")
	}

	endpoint := c.baseURL.String() + "payments"

	c.logger.InfoContext(ctx, "Creating gateway payment", "idempotencyKey", req.IdempotencyKey, "ownerId", req.OwnerID)

	resp, err := c.retrying.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		r.Header.Set(IdempotencyKeyHeader, req.IdempotencyKey)
		r.SetBasicAuth(c.shopID, c.secretKey)
		return r, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "create payment")
	}

	return decodePayment(resp)
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*payload.GatewayPayment, error) {
	endpoint := c.baseURL.String() + "payments/" + url.PathEscape(paymentID)

	resp, err := c.retrying.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", contentType)
		r.SetBasicAuth(c.shopID, c.secretKey)
		return r, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get payment %s", paymentID)
	}

	return decodePayment(resp)
}

func decodePayment(resp *Response) (*payload.GatewayPayment, error) {
	var p payload.GatewayPayment
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		return nil, errors.Wrap(err, "decode gateway payment")
	}
	if p.ID == "" {
		return nil, errors.New("decode gateway payment: missing id")
	}
	return &p, nil
}
