package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// ParseStatus accepts only the gateway's known status values.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSucceeded:
		return StatusSucceeded, nil
	case StatusCanceled:
		return StatusCanceled, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", s)
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusCanceled || s == StatusFailed
}

// CanTransition reports whether from -> to moves forward in the status order.
// Pending is initial and every other status is terminal.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// Payment is owned by the storage layer; the service only holds copies.
type Payment struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	OwnerID         int64           `json:"ownerId"`
	ConfirmationURL string          `json:"confirmationUrl"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// WebhookEvent is a parsed, verified notification. It is consumed once.
type WebhookEvent struct {
	PaymentID      string
	ReportedStatus Status
	OwnerID        int64
	Amount         decimal.Decimal
	Timestamp      time.Time
	RawSignature   string
}
