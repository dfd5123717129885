package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/model"
	"payment-service/internal/payload"
	"payment-service/internal/signature"
	"payment-service/internal/state"
)

var (
	secret  = []byte("whsec_test")
	created = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	later   = created.Add(5 * time.Minute)
)

type fakeGateway struct {
	mu       sync.Mutex
	created  []gateway.CreatePaymentRequest
	create   func(req gateway.CreatePaymentRequest) (*payload.GatewayPayment, error)
	get      func(id string) (*payload.GatewayPayment, error)
	getCalls int
}

func (g *fakeGateway) CreatePayment(_ context.Context, req gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
	g.mu.Lock()
	g.created = append(g.created, req)
	g.mu.Unlock()
	return g.create(req)
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*payload.GatewayPayment, error) {
	g.mu.Lock()
	g.getCalls++
	g.mu.Unlock()
	return g.get(id)
}

type notification struct {
	previous model.Status
	payment  model.Payment
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) NotifyStatusChanged(_ context.Context, previous model.Status, p model.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{previous: previous, payment: p})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type failingStore struct {
	*db.MemoryStore
	loadErr error
	saveErr error
}

func (s *failingStore) Load(ctx context.Context, id string) (*model.Payment, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemoryStore.Load(ctx, id)
}

func (s *failingStore) Save(ctx context.Context, p model.Payment) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, p)
}

func gatewayPayment(id, status, amount string) *payload.GatewayPayment {
	return &payload.GatewayPayment{
		ID:     id,
		Status: status,
		Amount: payload.Amount{Value: decimal.RequireFromString(amount), Currency: "RUB"},
		Confirmation: payload.Confirmation{
			Type:            "redirect",
			ConfirmationURL: "https://gateway.test/confirm/" + id,
		},
		CreatedAt: created,
	}
}

type fixture struct {
	svc      *Service
	store    *db.MemoryStore
	gateway  *fakeGateway
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: db.NewMemoryStore(),
		gateway: &fakeGateway{
			create: func(req gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
				return gatewayPayment("P1", "pending", req.Amount.String()), nil
			},
		},
		notifier: &recordingNotifier{},
	}
	f.svc = newTestService(f.store, f.gateway, f.notifier)
	return f
}

func newTestService(store Store, gw Gateway, notifier Notifier) *Service {
	svc := NewService(store, gw, notifier, Config{WebhookSecret: secret, ReturnURL: "https://t.me/bot"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return later }
	svc.newKey = func() string { return "key-1" }
	return svc
}

func seed(t *testing.T, store Store, status model.Status) model.Payment {
	t.Helper()
	p := model.Payment{
		ID:              "P1",
		Status:          status,
		Amount:          decimal.RequireFromString("1000.00"),
		Description:     "Subscription",
		OwnerID:         42,
		ConfirmationURL: "https://gateway.test/confirm/P1",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, store.Save(context.Background(), p))
	return p
}

func webhookBody(status, amount string) []byte {
	return []byte(`{"payment_id":"P1","status":"` + status + `","user_id":42,"amount":` + amount + `,"created_at":"2026-10-01T09:04:00Z"}`)
}

func deliver(t *testing.T, svc *Service, body []byte) (*WebhookResult, error) {
	t.Helper()
	return svc.HandleWebhook(context.Background(), body, signature.Sign(body, secret))
}

func webhookKind(t *testing.T, err error) WebhookErrorKind {
	t.Helper()
	var webhookErr *WebhookError
	require.True(t, errors.As(err, &webhookErr), "expected *WebhookError, got %v", err)
	return webhookErr.Kind
}

func snapshot(t *testing.T, store Store) []byte {
	t.Helper()
	p, err := store.Load(context.Background(), "P1")
	require.NoError(t, err)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePayment(ctx, decimal.RequireFromString("1000.00"), "Subscription", 42, "")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ID)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, "https://gateway.test/confirm/P1", p.ConfirmationURL)

	body := webhookBody("succeeded", "1000.00")

	first, err := deliver(t, f.svc, body)
	require.NoError(t, err)
	assert.Equal(t, state.Applied, first.Outcome)
	assert.Equal(t, model.StatusSucceeded, first.Payment.Status)
	afterFirst := snapshot(t, f.store)

	second, err := deliver(t, f.svc, body)
	require.NoError(t, err)
	assert.Equal(t, state.AlreadyFinal, second.Outcome)
	assert.Equal(t, model.StatusSucceeded, second.Payment.Status)
	assert.Equal(t, afterFirst, snapshot(t, f.store))

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, model.StatusPending, f.notifier.sent[0].previous)
	assert.Equal(t, model.StatusSucceeded, f.notifier.sent[0].payment.Status)
}

func TestHandleWebhook_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, model.StatusPending)
	before := snapshot(t, f.store)

	_, err := deliver(t, f.svc, webhookBody("succeeded", "999.00"))

	assert.Equal(t, KindAmountMismatch, webhookKind(t, err))
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, before, snapshot(t, f.store))
	assert.Zero(t, f.notifier.count())
}

func TestHandleWebhook_AmountMismatchAfterFinal(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, model.StatusPending)

	_, err := deliver(t, f.svc, webhookBody("succeeded", "1000"))
	require.NoError(t, err)
	before := snapshot(t, f.store)

	_, err = deliver(t, f.svc, webhookBody("succeeded", "999.00"))

	assert.Equal(t, KindAmountMismatch, webhookKind(t, err))
	assert.Equal(t, before, snapshot(t, f.store))
}

func TestHandleWebhook_Rejections(t *testing.T) {
	valid := webhookBody("succeeded", "1000.00")

	tests := []struct {
		name   string
		body   []byte
		header string
		kind   WebhookErrorKind
	}{
		{name: "MissingSignature", body: valid, header: "", kind: KindInvalidSignature},
		{name: "WrongSecret", body: valid, header: signature.Sign(valid, []byte("other")), kind: KindInvalidSignature},
		{name: "NotHex", body: valid, header: "not-hex", kind: KindMalformedPayload},
		{name: "BrokenJSON", body: []byte(`{"payment_id":`), kind: KindMalformedPayload},
		{name: "UnknownStatus", body: webhookBody("refunded", "1000.00"), kind: KindParseError},
		{name: "ZeroAmount", body: webhookBody("succeeded", "0"), kind: KindParseError},
		{name: "MissingAmount", body: []byte(`{"payment_id":"P1","status":"succeeded","user_id":42}`), kind: KindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seed(t, f.store, model.StatusPending)
			before := snapshot(t, f.store)

			header := tt.header
			if header == "" && tt.kind != KindInvalidSignature {
				header = signature.Sign(tt.body, secret)
			}

			_, err := f.svc.HandleWebhook(context.Background(), tt.body, header)

			assert.Equal(t, tt.kind, webhookKind(t, err))
			assert.Equal(t, before, snapshot(t, f.store))
			assert.Zero(t, f.notifier.count())
		})
	}
}

func TestHandleWebhook_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := deliver(t, f.svc, webhookBody("succeeded", "1000.00"))

	assert.Equal(t, KindUnknownPayment, webhookKind(t, err))
	assert.ErrorIs(t, err, ErrUnknownPayment)
	assert.Zero(t, f.store.Len())
}

func TestHandleWebhook_PendingIsNoChange(t *testing.T) {
	f := newFixture(t)
	seeded := seed(t, f.store, model.StatusPending)

	res, err := deliver(t, f.svc, webhookBody("pending", "1000.00"))
	require.NoError(t, err)

	assert.Equal(t, state.NoChange, res.Outcome)
	assert.Equal(t, seeded, res.Payment)
	assert.Zero(t, f.notifier.count())
}

func TestHandleWebhook_TerminalNeverChanges(t *testing.T) {
	for _, final := range []string{"succeeded", "canceled", "failed"} {
		t.Run(final, func(t *testing.T) {
			f := newFixture(t)
			seed(t, f.store, model.StatusPending)

			_, err := deliver(t, f.svc, webhookBody(final, "1000.00"))
			require.NoError(t, err)

			for _, next := range []string{"pending", "succeeded", "canceled", "failed"} {
				res, err := deliver(t, f.svc, webhookBody(next, "1000.00"))
				require.NoError(t, err)
				assert.Equal(t, state.AlreadyFinal, res.Outcome)
				assert.Equal(t, model.Status(final), res.Payment.Status)
			}
			assert.Equal(t, 1, f.notifier.count())
		})
	}
}

func TestHandleWebhook_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, model.StatusPending)
	body := webhookBody("succeeded", "1000.00")

	const deliveries = 20
	outcomes := make(chan state.Outcome, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.HandleWebhook(context.Background(), body, signature.Sign(body, secret))
			if err == nil {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[state.Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[state.Applied])
	assert.Equal(t, deliveries-1, counts[state.AlreadyFinal])
	assert.Equal(t, 1, f.notifier.count())
}

func TestHandleWebhook_StorageErrors(t *testing.T) {
	storageErr := errors.New("connection refused")

	t.Run("Load", func(t *testing.T) {
		store := &failingStore{MemoryStore: db.NewMemoryStore(), loadErr: storageErr}
		svc := newTestService(store, &fakeGateway{}, nil)

		_, err := deliver(t, svc, webhookBody("succeeded", "1000.00"))

		assert.Equal(t, KindStorage, webhookKind(t, err))
		assert.ErrorIs(t, err, storageErr)
	})

	t.Run("Save", func(t *testing.T) {
		store := &failingStore{MemoryStore: db.NewMemoryStore()}
		seed(t, store.MemoryStore, model.StatusPending)
		store.saveErr = storageErr
		notifier := &recordingNotifier{}
		svc := newTestService(store, &fakeGateway{}, notifier)

		_, err := deliver(t, svc, webhookBody("succeeded", "1000.00"))

		assert.Equal(t, KindStorage, webhookKind(t, err))
		assert.Zero(t, notifier.count())
	})
}

func TestHandleWebhook_NotifierFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker unavailable")
	seed(t, f.store, model.StatusPending)

	res, err := deliver(t, f.svc, webhookBody("canceled", "1000.00"))
	require.NoError(t, err)

	assert.Equal(t, state.Applied, res.Outcome)
	stored, err := f.store.Load(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, stored.Status)
}

func TestCreatePayment_Request(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.CreatePayment(context.Background(), decimal.RequireFromString("1000.00"), "Subscription", 42, "https://example.test/back")
	require.NoError(t, err)

	require.Len(t, f.gateway.created, 1)
	req := f.gateway.created[0]
	assert.Equal(t, "key-1", req.IdempotencyKey)
	assert.Equal(t, "https://example.test/back", req.ReturnURL)
	assert.Equal(t, int64(42), req.OwnerID)
	assert.True(t, decimal.RequireFromString("1000").Equal(req.Amount))

	assert.Equal(t, later, p.CreatedAt)
	assert.Equal(t, later, p.UpdatedAt)
	assert.Equal(t, "1000.00", p.Amount.StringFixed(2))
}

func TestCreatePayment_DefaultReturnURL(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), decimal.NewFromInt(10), "Coffee", 7, "")
	require.NoError(t, err)

	assert.Equal(t, "https://t.me/bot", f.gateway.created[0].ReturnURL)
}

func TestCreatePayment_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(context.Background(), decimal.Zero, "Coffee", 7, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.CreatePayment(context.Background(), decimal.NewFromInt(-5), "Coffee", 7, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.CreatePayment(context.Background(), decimal.NewFromInt(10), "Coffee", 0, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, f.gateway.created)
}

func TestCreatePayment_GatewayExhausted(t *testing.T) {
	f := newFixture(t)
	f.gateway.create = func(gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
		return nil, &gateway.RetryExhaustedError{Attempts: 3, Last: &gateway.StatusError{StatusCode: 503}}
	}

	_, err := f.svc.CreatePayment(context.Background(), decimal.NewFromInt(10), "Coffee", 7, "")

	var paymentErr *PaymentError
	require.True(t, errors.As(err, &paymentErr))
	assert.Equal(t, opCreate, paymentErr.Op)
	assert.ErrorIs(t, err, gateway.ErrRetryExhausted)
	assert.Zero(t, f.store.Len())
}

func TestCreatePayment_GatewayAmountDiffers(t *testing.T) {
	f := newFixture(t)
	f.gateway.create = func(gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
		return gatewayPayment("P1", "pending", "999.00"), nil
	}

	_, err := f.svc.CreatePayment(context.Background(), decimal.RequireFromString("1000.00"), "Coffee", 7, "")

	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Zero(t, f.store.Len())
}

func TestCreatePayment_UnknownGatewayStatus(t *testing.T) {
	f := newFixture(t)
	f.gateway.create = func(gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
		return gatewayPayment("P1", "waiting_for_capture", "10"), nil
	}

	_, err := f.svc.CreatePayment(context.Background(), decimal.NewFromInt(10), "Coffee", 7, "")

	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Zero(t, f.store.Len())
}

func TestCreatePayment_AlreadyFinalAtGateway(t *testing.T) {
	f := newFixture(t)
	f.gateway.create = func(gateway.CreatePaymentRequest) (*payload.GatewayPayment, error) {
		return gatewayPayment("P1", "succeeded", "10"), nil
	}

	p, err := f.svc.CreatePayment(context.Background(), decimal.NewFromInt(10), "Coffee", 7, "")
	require.NoError(t, err)

	assert.Equal(t, model.StatusSucceeded, p.Status)
	assert.Equal(t, 1, f.notifier.count())
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, model.StatusPending)
	f.gateway.get = func(id string) (*payload.GatewayPayment, error) {
		return gatewayPayment(id, "succeeded", "1000.00"), nil
	}

	p, err := f.svc.GetStatus(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, p.Status)
	assert.Equal(t, later, p.UpdatedAt)

	again, err := f.svc.GetStatus(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, *p, *again)
	assert.Equal(t, 1, f.notifier.count())
}

func TestGetStatus_PendingAtGateway(t *testing.T) {
	f := newFixture(t)
	seeded := seed(t, f.store, model.StatusPending)
	f.gateway.get = func(id string) (*payload.GatewayPayment, error) {
		return gatewayPayment(id, "pending", "1000.00"), nil
	}

	p, err := f.svc.GetStatus(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, seeded, *p)
}

func TestGetStatus_Errors(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		seed    bool
		reply   func(id string) (*payload.GatewayPayment, error)
		wantErr error
	}{
		{
			name:    "EmptyID",
			id:      "",
			wantErr: ErrInvalidRequest,
		},
		{
			name: "UnknownLocally",
			id:   "P1",
			reply: func(id string) (*payload.GatewayPayment, error) {
				return gatewayPayment(id, "succeeded", "1000.00"), nil
			},
			wantErr: ErrUnknownPayment,
		},
		{
			name: "AmountDiffers",
			id:   "P1",
			seed: true,
			reply: func(id string) (*payload.GatewayPayment, error) {
				return gatewayPayment(id, "succeeded", "1.00"), nil
			},
			wantErr: ErrAmountMismatch,
		},
		{
			name: "UnknownStatus",
			id:   "P1",
			seed: true,
			reply: func(id string) (*payload.GatewayPayment, error) {
				return gatewayPayment(id, "waiting_for_capture", "1000.00"), nil
			},
			wantErr: ErrUnexpectedStatus,
		},
		{
			name: "RetryExhausted",
			id:   "P1",
			seed: true,
			reply: func(string) (*payload.GatewayPayment, error) {
				return nil, &gateway.RetryExhaustedError{Attempts: 3, Last: errors.New("timeout")}
			},
			wantErr: gateway.ErrRetryExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.seed {
				seed(t, f.store, model.StatusPending)
			}
			f.gateway.get = tt.reply

			_, err := f.svc.GetStatus(context.Background(), tt.id)

			var paymentErr *PaymentError
			require.True(t, errors.As(err, &paymentErr))
			assert.Equal(t, opGetStatus, paymentErr.Op)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.notifier.count())
		})
	}
}

func TestWebhookErrorKind_String(t *testing.T) {
	assert.Equal(t, "invalid_signature", KindInvalidSignature.String())
	assert.Equal(t, "malformed_payload", KindMalformedPayload.String())
	assert.Equal(t, "parse_error", KindParseError.String())
	assert.Equal(t, "unknown_payment", KindUnknownPayment.String())
	assert.Equal(t, "amount_mismatch", KindAmountMismatch.String())
	assert.Equal(t, "storage_error", KindStorage.String())
}
