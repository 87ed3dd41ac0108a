package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	InventoryChangedTopic    = "inventory.changed"
	InventoryChangedDLQTopic = "inventory.changed.dlq"
)

// InventoryChangedEvent is the message published after every committed
// change to a day's total.
type InventoryChangedEvent struct {
	models.InventoryChange
	EventTime time.Time `json:"event_time"`
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func NewKafkaProducer(brokers []string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerFrom(producer, logger), nil
}

// NewKafkaProducerFrom wraps an existing sync producer.
func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

// InventoryChanged publishes the change keyed by pickup date, so every
// change for one day lands on the same partition in order. Publishing is
// best effort; the store already holds the committed total.
func (p *KafkaProducer) InventoryChanged(ctx context.Context, change models.InventoryChange) {
	if err := p.PublishInventoryChanged(change); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"pickup_date": change.Date,
			"reason":      change.Reason,
		}).Warn("Inventory change not published")
	}
}

func (p *KafkaProducer) PublishInventoryChanged(change models.InventoryChange) error {
	event := InventoryChangedEvent{
		InventoryChange: change,
		EventTime:       time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: InventoryChangedTopic,
		Key:   sarama.StringEncoder(change.Date),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":       InventoryChangedTopic,
		"partition":   partition,
		"offset":      offset,
		"pickup_date": change.Date,
		"used":        change.Used,
	}).Debug("Inventory change published")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
