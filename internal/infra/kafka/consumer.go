package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// PaymentMessage is the payload of a payment-confirmed event.
type PaymentMessage struct {
	TaskID string `json:"task_id"`
	Source string `json:"source,omitempty"`
}

// PaymentHandler is called once per decoded message.
type PaymentHandler func(ctx context.Context, msg PaymentMessage) error

// PaymentConsumer reads payment confirmations from a consumer group.
type PaymentConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	logger *zap.Logger
}

// NewPaymentConsumer joins groupID on brokers.
func NewPaymentConsumer(brokers []string, groupID, topic string, logger *zap.Logger) (*PaymentConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	g, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	return &PaymentConsumer{group: g, topic: topic, logger: logger.Named("kafka")}, nil
}

// Run consumes until ctx is cancelled, rejoining after each rebalance.
func (c *PaymentConsumer) Run(ctx context.Context, fn PaymentHandler) error {
	h := &paymentHandler{fn: fn, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Warn("consume payments", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *PaymentConsumer) Close() error {
	return c.group.Close()
}

type paymentHandler struct {
	fn     PaymentHandler
	logger *zap.Logger
}

func (h *paymentHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *paymentHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *paymentHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg)
		// Confirmation is idempotent; a failed message is marked so it cannot wedge the partition.
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *paymentHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var pm PaymentMessage
	if err := json.Unmarshal(msg.Value, &pm); err != nil || pm.TaskID == "" {
		h.logger.Warn("skip malformed payment message",
			zap.Int64("offset", msg.Offset), zap.ByteString("value", msg.Value))
		return
	}
	if pm.Source == "" {
		pm.Source = "kafka"
	}
	if err := h.fn(ctx, pm); err != nil {
		h.logger.Error("payment confirmation failed",
			zap.String("task_id", pm.TaskID), zap.Error(err))
	}
}
