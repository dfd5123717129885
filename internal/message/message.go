package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatusChanged is published once per applied transition, keyed by
// payment id so consumers see a payment's changes in order.
type PaymentStatusChanged struct {
	ID             uuid.UUID       `json:"id"`
	PaymentID      string          `json:"paymentId"`
	Status         string          `json:"status"`
	PreviousStatus string          `json:"previousStatus"`
	Amount         decimal.Decimal `json:"amount"`
	OwnerID        int64           `json:"ownerId"`
	OccurredAt     time.Time       `json:"occurredAt"`
}
