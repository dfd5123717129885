package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/keylock"
	"payment-service/internal/logging"
	"payment-service/internal/model"
	"payment-service/internal/payload"
	"payment-service/internal/signature"
	"payment-service/internal/state"
	"payment-service/internal/webhook"
)

const (
	opCreate    = "create payment"
	opGetStatus = "get status"
)

var (
	webhookDurationHistogram = metrics.GetOrCreateHistogram(`webhook_duration_milliseconds`)

	mismatchWebhookCounter = metrics.GetOrCreateCounter(`payment_amount_mismatch_total{source="webhook"}`)
	mismatchGatewayCounter = metrics.GetOrCreateCounter(`payment_amount_mismatch_total{source="gateway"}`)
)

func webhookCounter(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`webhook_total{result=%q}`, result))
}

// Store is the storage collaborator. Load returns db.ErrNotFound for an
// unknown id and must observe every earlier Save of the same id.
type Store interface {
	Load(ctx context.Context, id string) (*model.Payment, error)
	Save(ctx context.Context, p model.Payment) error
}

type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*payload.GatewayPayment, error)
	GetPayment(ctx context.Context, paymentID string) (*payload.GatewayPayment, error)
}

// Notifier is told about applied transitions only, never about replays.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, previous model.Status, p model.Payment) error
}

type Config struct {
	WebhookSecret []byte
	// ReturnURL is used when CreatePayment gets none.
	ReturnURL string
}

type WebhookResult struct {
	Payment model.Payment
	Outcome state.Outcome
}

type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	locks    *keylock.Locker
	cfg      Config
	now      func() time.Time
	newKey   func() string
	logger   *slog.Logger
}

// NewService wires the payment core. notifier may be nil.
func NewService(store Store, gw Gateway, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		locks:    keylock.New(),
		cfg:      cfg,
		now:      time.Now,
		newKey:   uuid.NewString,
		logger:   logger,
	}
}

// HandleWebhook verifies, parses and applies one gateway notification.
// Deliveries for the same payment are applied one at a time.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (*WebhookResult, error) {
	startTime := time.Now()
	defer func() {
		webhookDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	switch res := signature.Verify(rawBody, signatureHeader, s.cfg.WebhookSecret); res {
	case signature.Valid:
	case signature.MalformedPayload:
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: KindMalformedPayload, Err: errors.New("signature header is not valid hex")})
	default:
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: KindInvalidSignature, Err: errors.New("signature does not match body")})
	}

	event, err := webhook.ParseWithSignature(rawBody, signatureHeader)
	if err != nil {
		kind := KindParseError
		var parseErr *webhook.ParseError
		if errors.As(err, &parseErr) && parseErr.Reason == webhook.ReasonMalformedJSON {
			kind = KindMalformedPayload
		}
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: kind, Err: err})
	}

	ctx = logging.AppendCtx(ctx, slog.String("paymentId", event.PaymentID))

	unlock := s.locks.Lock(event.PaymentID)
	defer unlock()

	existing, err := s.load(ctx, event.PaymentID)
	if err != nil {
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: KindStorage, PaymentID: event.PaymentID, Err: err})
	}

	updated, outcome := state.Apply(existing, event, s.now())

	switch outcome {
	case state.UnknownPayment:
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: KindUnknownPayment, PaymentID: event.PaymentID, Err: ErrUnknownPayment})
	case state.AmountMismatch:
		mismatchWebhookCounter.Inc()
		s.logger.ErrorContext(ctx, "Webhook amount does not match stored payment",
			"alert", true, "storedAmount", existing.Amount.String(), "reportedAmount", event.Amount.String())
		return nil, s.rejectWebhook(ctx, &WebhookError{
			Kind:      KindAmountMismatch,
			PaymentID: event.PaymentID,
			Err:       pkgerrors.Wrapf(ErrAmountMismatch, "stored %s, reported %s", existing.Amount, event.Amount),
		})
	}

	if err := s.commit(ctx, existing.Status, updated, outcome); err != nil {
		return nil, s.rejectWebhook(ctx, &WebhookError{Kind: KindStorage, PaymentID: event.PaymentID, Err: err})
	}

	webhookCounter(outcome.String()).Inc()
	s.logger.InfoContext(ctx, "Webhook processed", "outcome", outcome.String(), "status", updated.Status)

	return &WebhookResult{Payment: updated, Outcome: outcome}, nil
}

// CreatePayment registers a payment with the gateway and stores it as
// Pending with the requested amount. One idempotency key covers every retry
// of the gateway call.
func (s *Service) CreatePayment(ctx context.Context, amount decimal.Decimal, description string, ownerID int64, returnURL string) (*model.Payment, error) {
	if !amount.IsPositive() {
		return nil, &PaymentError{Op: opCreate, Err: pkgerrors.Wrapf(ErrInvalidRequest, "amount must be positive, got %s", amount)}
	}
	if ownerID <= 0 {
		return nil, &PaymentError{Op: opCreate, Err: pkgerrors.Wrapf(ErrInvalidRequest, "owner id must be positive, got %d", ownerID)}
	}
	if returnURL == "" {
		returnURL = s.cfg.ReturnURL
	}

	key := s.newKey()
	ctx = logging.AppendCtx(ctx, slog.String("idempotencyKey", key))

	gp, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:         amount,
		Description:    description,
		OwnerID:        ownerID,
		ReturnURL:      returnURL,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Gateway rejected payment creation", "error", err)
		return nil, &PaymentError{Op: opCreate, Err: err}
	}

	ctx = logging.AppendCtx(ctx, slog.String("paymentId", gp.ID))

	reported, err := model.ParseStatus(gp.Status)
	if err != nil {
		return nil, &PaymentError{Op: opCreate, PaymentID: gp.ID, Err: pkgerrors.Wrap(ErrUnexpectedStatus, err.Error())}
	}
	if !gp.Amount.Value.Equal(amount) {
		mismatchGatewayCounter.Inc()
		s.logger.ErrorContext(ctx, "Gateway created payment with a different amount",
			"alert", true, "requestedAmount", amount.String(), "gatewayAmount", gp.Amount.Value.String())
		return nil, &PaymentError{Op: opCreate, PaymentID: gp.ID,
			Err: pkgerrors.Wrapf(ErrAmountMismatch, "requested %s, gateway %s", amount, gp.Amount.Value)}
	}

	now := s.now().UTC()
	created := model.Payment{
		ID:              gp.ID,
		Status:          model.StatusPending,
		Amount:          amount,
		Description:     description,
		OwnerID:         ownerID,
		ConfirmationURL: gp.Confirmation.ConfirmationURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := s.locks.Lock(gp.ID)
	defer unlock()

	if err := s.store.Save(ctx, created); err != nil {
		return nil, &PaymentError{Op: opCreate, PaymentID: gp.ID, Err: pkgerrors.Wrap(err, "save payment")}
	}

	s.logger.InfoContext(ctx, "Payment created", "amount", amount.String(), "ownerId", ownerID)

	// the gateway may already report a final status, e.g. for zero-step methods
	if reported == model.StatusPending {
		return &created, nil
	}

	updated, outcome := state.Apply(&created, model.WebhookEvent{
		PaymentID:      gp.ID,
		ReportedStatus: reported,
		OwnerID:        ownerID,
		Amount:         gp.Amount.Value,
		Timestamp:      gp.CreatedAt,
	}, s.now())
	if err := s.commit(ctx, created.Status, updated, outcome); err != nil {
		return nil, &PaymentError{Op: opCreate, PaymentID: gp.ID, Err: err}
	}
	return &updated, nil
}

// GetStatus asks the gateway for the payment's current status and reconciles
// it with the stored record the same way a webhook would.
func (s *Service) GetStatus(ctx context.Context, paymentID string) (*model.Payment, error) {
	if paymentID == "" {
		return nil, &PaymentError{Op: opGetStatus, Err: pkgerrors.Wrap(ErrInvalidRequest, "payment id is required")}
	}
	ctx = logging.AppendCtx(ctx, slog.String("paymentId", paymentID))

	gp, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Gateway status query failed", "error", err)
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID, Err: err}
	}

	reported, err := model.ParseStatus(gp.Status)
	if err != nil {
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID, Err: pkgerrors.Wrap(ErrUnexpectedStatus, err.Error())}
	}

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	existing, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID, Err: err}
	}

	updated, outcome := state.Apply(existing, model.WebhookEvent{
		PaymentID:      paymentID,
		ReportedStatus: reported,
		Amount:         gp.Amount.Value,
		Timestamp:      gp.CreatedAt,
	}, s.now())

	switch outcome {
	case state.UnknownPayment:
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID, Err: ErrUnknownPayment}
	case state.AmountMismatch:
		mismatchGatewayCounter.Inc()
		s.logger.ErrorContext(ctx, "Gateway amount does not match stored payment",
			"alert", true, "storedAmount", existing.Amount.String(), "gatewayAmount", gp.Amount.Value.String())
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID,
			Err: pkgerrors.Wrapf(ErrAmountMismatch, "stored %s, gateway %s", existing.Amount, gp.Amount.Value)}
	}

	if err := s.commit(ctx, existing.Status, updated, outcome); err != nil {
		return nil, &PaymentError{Op: opGetStatus, PaymentID: paymentID, Err: err}
	}

	s.logger.InfoContext(ctx, "Payment status reconciled", "outcome", outcome.String(), "status", updated.Status)
	return &updated, nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Payment, error) {
	p, err := s.store.Load(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load payment")
	}
	return p, nil
}

// commit persists Applied and AlreadyFinal outcomes and notifies about
// Applied ones. A failed notification does not undo the stored transition.
func (s *Service) commit(ctx context.Context, previous model.Status, updated model.Payment, outcome state.Outcome) error {
	if !outcome.Persist() {
		return nil
	}
	if err := s.store.Save(ctx, updated); err != nil {
		return pkgerrors.Wrap(err, "save payment")
	}
	if outcome != state.Applied || s.notifier == nil {
		return nil
	}
	if err := s.notifier.NotifyStatusChanged(ctx, previous, updated); err != nil {
		s.logger.ErrorContext(ctx, "Error notifying about status change", "error", err)
	}
	return nil
}

func (s *Service) rejectWebhook(ctx context.Context, err *WebhookError) error {
	webhookCounter(err.Kind.String()).Inc()
	if err.Kind == KindStorage {
		s.logger.ErrorContext(ctx, "Webhook processing failed", "kind", err.Kind.String(), "error", err.Err)
	} else {
		s.logger.WarnContext(ctx, "Webhook rejected", "kind", err.Kind.String(), "error", err.Err)
	}
	return err
}
