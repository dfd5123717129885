package service

import (
	"errors"
	"fmt"
)

type WebhookErrorKind int

const (
	KindInvalidSignature WebhookErrorKind = iota
	KindMalformedPayload
	KindParseError
	KindUnknownPayment
	KindAmountMismatch
	KindStorage
)

func (k WebhookErrorKind) String() string {
	switch k {
	case KindInvalidSignature:
		return "invalid_signature"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindParseError:
		return "parse_error"
	case KindUnknownPayment:
		return "unknown_payment"
	case KindAmountMismatch:
		return "amount_mismatch"
	case KindStorage:
		return "storage_error"
	default:
		return fmt.Sprintf("WebhookErrorKind(%d)", int(k))
	}
}

// WebhookError rejects a delivery. PaymentID is empty when the body was never
// trusted enough to read it.
type WebhookError struct {
	Kind      WebhookErrorKind
	PaymentID string
	Err       error
}

func (e *WebhookError) Error() string {
	if e.PaymentID == "" {
		return fmt.Sprintf("webhook rejected (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("webhook for payment %s rejected (%s): %v", e.PaymentID, e.Kind, e.Err)
}

func (e *WebhookError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownPayment   = errors.New("unknown payment")
	ErrAmountMismatch   = errors.New("amount mismatch")
	ErrUnexpectedStatus = errors.New("unexpected gateway status")
)

// PaymentError is returned by CreatePayment and GetStatus. Gateway failures,
// including gateway.ErrRetryExhausted, stay reachable through Unwrap.
type PaymentError struct {
	Op        string
	PaymentID string
	Err       error
}

func (e *PaymentError) Error() string {
	if e.PaymentID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.PaymentID, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
