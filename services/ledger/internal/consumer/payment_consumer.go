package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/paycore/libs/kafka"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/IBM/sarama"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"log/slog"
)

const (
	PaymentCapturedEventType = "payment.captured"
	PaymentRefundedEventType = "payment.refunded"

	paymentTargetType = "payment"
)

// PaymentEvent is published by the payments service for every captured or
// refunded payment. Amount is a positive count of minor units in both
// cases; a refund debits the merchant.
type PaymentEvent struct {
	kafka.Envelope
	PaymentID  string    `json:"payment_id" validate:"required,max=128"`
	RefundID   string    `json:"refund_id,omitempty" validate:"max=128"`
	AccountID  string    `json:"account_id" validate:"required,uuid"`
	Amount     int64     `json:"amount" validate:"gt=0"`
	Currency   string    `json:"currency" validate:"required,len=3,alpha"`
	Interval   string    `json:"interval,omitempty" validate:"omitempty,oneof=DAILY WEEKLY daily weekly"`
	OccurredAt time.Time `json:"occurred_at" validate:"required"`
}

type TransactionCreator interface {
	CreateTransaction(ctx context.Context, input service.CreateTransactionInput) (*engine.CreateTransactionResult, error)
}

type PaymentConsumer struct {
	ledger   TransactionCreator
	validate *validator.Validate
	logger   *slog.Logger
}

func NewPaymentConsumer(ledger TransactionCreator, logger *slog.Logger) *PaymentConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentConsumer{
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
	}
}

// HandleMessage records one payment event as a ledger transaction.
// Malformed or rejected events are marked for the dead letter topic; any
// other error is returned so the consumer retries the message.
func (c *PaymentConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode payment event: %w", err), "invalid_payload")
	}
	input, err := c.toInput(&event)
	if err != nil {
		return kafka.DLQ(err, "invalid_payload")
	}

	result, err := c.ledger.CreateTransaction(ctx, input)
	if err != nil {
		if engine.IsValidation(err) {
			c.logger.Warn("payment event rejected", "event_id", event.EventID, "payment_id", event.PaymentID, "error", err)
			return kafka.DLQ(err, "rejected")
		}
		return err
	}

	if !result.Created {
		c.logger.Info("payment event already recorded", "event_id", event.EventID, "idempotency_key", input.IdempotencyKey)
		return nil
	}
	c.logger.Info("payment recorded",
		"event_id", event.EventID,
		"transaction_id", result.Transaction.ID.String(),
		"ledger_id", result.Transaction.LedgerID.String(),
		"amount", result.Transaction.Amount,
	)
	return nil
}

func (c *PaymentConsumer) toInput(e *PaymentEvent) (service.CreateTransactionInput, error) {
	if err := e.Envelope.Validate(); err != nil {
		return service.CreateTransactionInput{}, err
	}
	if err := c.validate.Struct(e); err != nil {
		return service.CreateTransactionInput{}, describeValidation(err)
	}

	accountID, err := uuid.Parse(strings.TrimSpace(e.AccountID))
	if err != nil {
		return service.CreateTransactionInput{}, fmt.Errorf("invalid account_id")
	}

	input := service.CreateTransactionInput{
		AccountID:  accountID,
		Currency:   e.Currency,
		RoutingKey: e.OccurredAt,
		Interval:   e.Interval,
		TargetType: paymentTargetType,
		TargetID:   e.PaymentID,
	}
	switch e.EventType {
	case PaymentCapturedEventType:
		input.Amount = e.Amount
		input.IdempotencyKey = "capture:" + e.PaymentID
	case PaymentRefundedEventType:
		if strings.TrimSpace(e.RefundID) == "" {
			return service.CreateTransactionInput{}, fmt.Errorf("refund_id is required")
		}
		input.Amount = -e.Amount
		input.IdempotencyKey = "refund:" + e.RefundID
	default:
		return service.CreateTransactionInput{}, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	return input, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("invalid payment event: %s", strings.Join(fields, ", "))
}
