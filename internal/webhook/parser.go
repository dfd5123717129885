package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"payment-service/internal/model"
	"payment-service/internal/payload"
)

type Reason string

const (
	ReasonMalformedJSON Reason = "malformed_json"
	ReasonUnknownStatus Reason = "unknown_status"
	ReasonMissingField  Reason = "missing_field"
	ReasonInvalidField  Reason = "invalid_field"
)

var paymentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

type ParseError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "webhook: " + string(e.Reason)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse decodes a webhook body. The caller must have verified the body's
// signature beforehand; Parse trusts nothing and checks every field it uses.
func Parse(body []byte) (model.WebhookEvent, error) {
	var n payload.Notification

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&n); err != nil {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMalformedJSON, Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMalformedJSON, Err: fmt.Errorf("trailing data after JSON object")}
	}

	if n.PaymentID == "" {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMissingField, Field: "payment_id"}
	}
	if !paymentIDPattern.MatchString(n.PaymentID) {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonInvalidField, Field: "payment_id"}
	}

	if n.Status == "" {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMissingField, Field: "status"}
	}
	status, err := model.ParseStatus(n.Status)
	if err != nil {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonUnknownStatus, Field: "status", Err: err}
	}

	if n.UserID == nil {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMissingField, Field: "user_id"}
	}
	if *n.UserID <= 0 {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonInvalidField, Field: "user_id", Err: fmt.Errorf("must be positive, got %d", *n.UserID)}
	}

	if !n.Amount.Valid {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonMissingField, Field: "amount"}
	}
	if !n.Amount.Decimal.IsPositive() {
		return model.WebhookEvent{}, &ParseError{Reason: ReasonInvalidField, Field: "amount", Err: fmt.Errorf("must be positive, got %s", n.Amount.Decimal)}
	}

	var ts time.Time
	if n.CreatedAt != nil {
		ts = n.CreatedAt.UTC()
	}

	return model.WebhookEvent{
		PaymentID:      n.PaymentID,
		ReportedStatus: status,
		OwnerID:        *n.UserID,
		Amount:         n.Amount.Decimal,
		Timestamp:      ts,
	}, nil
}

// ParseWithSignature is Parse plus the signature header the body arrived with.
func ParseWithSignature(body []byte, signatureHeader string) (model.WebhookEvent, error) {
	event, err := Parse(body)
	if err != nil {
		return model.WebhookEvent{}, err
	}
	event.RawSignature = signatureHeader
	return event, nil
}
