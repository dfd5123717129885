package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"payment-service/internal/message"
	"payment-service/internal/model"
)

var (
	notificationPublishedCounter = metrics.GetOrCreateCounter(`payment_notifications_total{result="published"}`)
	notificationFailedCounter    = metrics.GetOrCreateCounter(`payment_notifications_total{result="failed"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Notifier publishes payment status changes for downstream consumers such as
// the bot that tells the user their payment went through.
type Notifier struct {
	writer MessageWriter
	now    func() time.Time
	logger *slog.Logger
}

func NewNotifier(writer MessageWriter, logger *slog.Logger) *Notifier {
	return &Notifier{
		writer: writer,
		now:    time.Now,
		logger: logger,
	}
}

func (n *Notifier) NotifyStatusChanged(ctx context.Context, previous model.Status, p model.Payment) error {
	msg := message.PaymentStatusChanged{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		Status:         string(p.Status),
		PreviousStatus: string(previous),
		Amount:         p.Amount,
		OwnerID:        p.OwnerID,
		OccurredAt:     n.now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		notificationFailedCounter.Inc()
		return errors.Wrap(err, "marshal status change")
	}

	// payment id as key keeps per-payment ordering within a partition
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.ID),
		Value: value,
	})
	if err != nil {
		notificationFailedCounter.Inc()
		n.logger.ErrorContext(ctx, "Error writing status change to Kafka", "error", err)
		return errors.Wrapf(err, "publish status change of payment %s", p.ID)
	}

	notificationPublishedCounter.Inc()
	n.logger.InfoContext(ctx, "Published status change", "messageId", msg.ID, "status", msg.Status)
	return nil
}
