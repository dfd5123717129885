package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/httpapi"
	"payment-service/internal/model"
	"payment-service/internal/service"
)

const webhookSecret = "whsec_mock"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyOnce fails the first n create responses.
func flakyOnce(n int) func() bool {
	var mu sync.Mutex
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			return true
		}
		return false
	}
}

func TestMock_EndToEnd(t *testing.T) {
	logger := discardLogger()
	store := db.NewMemoryStore()

	var svc *service.Service
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.NewHandler(svc, logger).Routes().ServeHTTP(w, r)
	}))
	defer app.Close()

	mock := newGatewayMock(mockConfig{
		WebhookURL:    app.URL + "/webhooks/payments",
		WebhookSecret: webhookSecret,
		ConfirmURL:    "http://mock.test/confirm/",
	}, logger)
	mock.failFn = flakyOnce(2)
	gw := httptest.NewServer(mock.routes())
	defer gw.Close()

	retrying, err := gateway.NewRetryingClient(&http.Client{}, gateway.RetryPolicy{
		MaxAttempts:    3,
		BackoffFactor:  2,
		InitialDelay:   time.Millisecond,
		AttemptTimeout: time.Second,
	}, logger)
	require.NoError(t, err)
	client, err := gateway.NewClient(gateway.ClientConfig{BaseURL: gw.URL + "/v3", ShopID: "shop", SecretKey: "key", Currency: "RUB"}, retrying, logger)
	require.NoError(t, err)

	svc = service.NewService(store, client, nil, service.Config{WebhookSecret: []byte(webhookSecret)}, logger)

	p, err := svc.CreatePayment(context.Background(), decimal.RequireFromString("1000.00"), "Subscription", 42, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, 1, mock.count(), "retried create must not produce a second payment")

	resp, err := http.Post(gw.URL+"/v3/payments/"+p.ID+"/notify?status=succeeded", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := store.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, stored.Status)

	polled, err := svc.GetStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, *stored, *polled)
}

func TestMock_RequiresIdempotencyKey(t *testing.T) {
	gw := httptest.NewServer(newGatewayMock(mockConfig{}, discardLogger()).routes())
	defer gw.Close()

	req, err := http.NewRequest(http.MethodPost, gw.URL+"/v3/payments", nil)
	require.NoError(t, err)
	req.SetBasicAuth("shop", "key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMock_UnknownPayment(t *testing.T) {
	gw := httptest.NewServer(newGatewayMock(mockConfig{}, discardLogger()).routes())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/v3/payments/missing")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteJSON_LogsEncodeFailure(t *testing.T) {
	var logs bytes.Buffer
	mock := newGatewayMock(mockConfig{}, slog.New(slog.NewTextHandler(&logs, nil)))
	rec := httptest.NewRecorder()

	mock.writeJSON(rec, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "Failed to write response")
}
