package payload

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification is the JSON body the gateway posts to the webhook endpoint.
// Amount is nullable so a missing amount can be told apart from zero.
type Notification struct {
	PaymentID string              `json:"payment_id"`
	Status    string              `json:"status"`
	UserID    *int64              `json:"user_id"`
	Amount    decimal.NullDecimal `json:"amount"`
	CreatedAt *time.Time          `json:"created_at,omitempty"`
}

type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type CreatePayment struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GatewayPayment is the gateway's representation of a payment, returned by
// both create and get calls.
type GatewayPayment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       Amount            `json:"amount"`
	Description  string            `json:"description"`
	Confirmation Confirmation      `json:"confirmation"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type Error struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}
