package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/paycore/libs/retry"
	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryPolicy  retry.Policy
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		retryPolicy: retry.Policy{MaxAttempts: 3, Backoff: 500 * time.Millisecond},
	}, nil
}

// WithDLQ routes messages that fail permanently to topic instead of
// dropping them.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	if publisher != nil && topic != "" {
		c.dlqPublisher = publisher
		c.dlqTopic = topic
	}
	return c
}

// WithRetry sets how often a failing message is retried in place before it
// is dead-lettered.
func (c *Consumer) WithRetry(policy retry.Policy) *Consumer {
	c.retryPolicy = policy
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryPolicy:  c.retryPolicy,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryPolicy  retry.Policy
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()
		attempts := 0
		err := retry.Do(ctx, h.retryPolicy, isTransient, func(ctx context.Context, attempt int) error {
			attempts = attempt
			return h.handler.HandleMessage(ctx, msg)
		})
		if err == nil {
			session.MarkMessage(msg, "")
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "error", err)
		if h.deadLetter(ctx, msg, err, attempts) {
			session.MarkMessage(msg, "")
		}
	}
	return nil
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) bool {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return false
	}
	var dlqErr *DLQError
	if !errors.As(err, &dlqErr) {
		dlqErr = &DLQError{Err: err, Reason: "max_retries"}
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	return true
}

// isTransient treats everything except an explicit DLQError as worth another
// attempt.
func isTransient(err error) bool {
	var dlqErr *DLQError
	return !errors.As(err, &dlqErr)
}
