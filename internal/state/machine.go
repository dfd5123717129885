// Package state applies verified webhook events to stored payments.
//
// Apply holds no locks. Callers must serialize calls per payment id (one
// in-flight Apply+Save per id); two concurrent deliveries for the same
// payment could otherwise both observe Pending and both apply a terminal
// transition before either write lands.
package state

import (
	"time"

	"payment-service/internal/model"
)

type Outcome int

const (
	// Applied means a Pending payment moved to a terminal status.
	Applied Outcome = iota
	// AlreadyFinal means the stored payment is terminal; the event is an
	// idempotent no-op and downstream side effects must not be repeated.
	AlreadyFinal
	// NoChange means the stored payment is Pending and so is the event.
	NoChange
	UnknownPayment
	AmountMismatch
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyFinal:
		return "already_final"
	case NoChange:
		return "no_change"
	case UnknownPayment:
		return "unknown_payment"
	case AmountMismatch:
		return "amount_mismatch"
	default:
		return "unknown"
	}
}

// Persist reports whether the outcome is written back to storage.
func (o Outcome) Persist() bool {
	return o == Applied || o == AlreadyFinal
}

// Apply returns the payment as it should be stored after event, together with
// the outcome. existing is never modified; for every outcome except Applied
// the returned payment equals *existing.
func Apply(existing *model.Payment, event model.WebhookEvent, now time.Time) (model.Payment, Outcome) {
	if existing == nil {
		return model.Payment{}, UnknownPayment
	}
	current := *existing

	// checked before finality so a mismatched replay is flagged in any order
	if !current.Amount.Equal(event.Amount) {
		return current, AmountMismatch
	}

	if current.Status.IsTerminal() {
		return current, AlreadyFinal
	}

	if !model.CanTransition(current.Status, event.ReportedStatus) {
		return current, NoChange
	}

	current.Status = event.ReportedStatus
	current.UpdatedAt = now.UTC()
	return current, Applied
}
