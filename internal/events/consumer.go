package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 500 * time.Millisecond
	MaxRetryDelay     = 10 * time.Second
)

// ChangeHandler receives decoded inventory changes. Returning an error makes
// the consumer retry with backoff and finally dead-letter the message.
type ChangeHandler interface {
	HandleInventoryChanged(ctx context.Context, change models.InventoryChange) error
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dead_lettered"`
	FailureCount   int64 `json:"failures"`
}

type consumerMetrics struct {
	processed, retries, deadLettered, failures atomic.Int64
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *consumerGroupHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler    ChangeHandler
	producer   sarama.SyncProducer
	logger     *logrus.Logger
	metrics    *consumerMetrics
	retryDelay time.Duration
}

// NewKafkaConsumer joins groupID on the inventory topic. A dedicated producer
// is opened for dead letters.
func NewKafkaConsumer(brokers []string, groupID string, handler ChangeHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newConsumerGroupHandler(handler, producer, logger),
		logger:        logger,
		topics:        []string{InventoryChangedTopic},
	}, nil
}

func newConsumerGroupHandler(handler ChangeHandler, producer sarama.SyncProducer, logger *logrus.Logger) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:    handler,
		producer:   producer,
		logger:     logger,
		metrics:    &consumerMetrics{},
		retryDelay: InitialRetryDelay,
	}
}

// Start consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) GetMetrics() ConsumerMetrics {
	return c.handler.snapshot()
}

func (c *KafkaConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles one message. Failures end in the dead letter topic; the
// offset is committed either way.
func (h *consumerGroupHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.metrics.processed.Add(1)

	err := h.handleWithRetry(ctx, message)
	if err == nil || ctx.Err() != nil {
		return
	}

	h.metrics.failures.Add(1)
	h.logger.WithError(err).WithField("offset", message.Offset).Error("Failed to process inventory change")
	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return
	}
	h.metrics.deadLettered.Add(1)
}

func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event InventoryChangedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("undecodable inventory change: %w", err)
	}

	delay := h.retryDelay
	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.metrics.retries.Add(1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > MaxRetryDelay {
				delay = MaxRetryDelay
			}
		}

		if err = h.handler.HandleInventoryChanged(ctx, event.InventoryChange); err == nil {
			return nil
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"pickup_date": event.Date,
			"attempt":     attempt + 1,
		}).Warn("Inventory change handler failed")
	}
	return fmt.Errorf("exhausted retries for %s: %w", event.Date, err)
}

func (h *consumerGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	dlqMessage := &sarama.ProducerMessage{
		Topic: InventoryChangedDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(fmt.Sprintf("%d", message.Partition))},
			{Key: []byte("original_offset"), Value: []byte(fmt.Sprintf("%d", message.Offset))},
			{Key: []byte("error_message"), Value: []byte(processingError.Error())},
			{Key: []byte("failure_time"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     InventoryChangedDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
	}).Warn("Message sent to dead letter queue")
	return nil
}

func (h *consumerGroupHandler) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: h.metrics.processed.Load(),
		RetryCount:     h.metrics.retries.Load(),
		DLQCount:       h.metrics.deadLettered.Load(),
		FailureCount:   h.metrics.failures.Load(),
	}
}
