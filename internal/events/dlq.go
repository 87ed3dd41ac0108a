package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DeadLetter is a message from the dead letter topic with the headers the
// consumer attached when it gave up.
type DeadLetter struct {
	Key               string
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	ErrorMessage      string
	FailureTime       string
	Event             *InventoryChangedEvent
}

// ParseDeadLetter never fails; a payload that does not decode leaves Event nil.
func ParseDeadLetter(message *sarama.ConsumerMessage) DeadLetter {
	letter := DeadLetter{Key: string(message.Key)}
	for _, header := range message.Headers {
		value := string(header.Value)
		switch string(header.Key) {
		case "original_topic":
			letter.OriginalTopic = value
		case "original_partition":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil {
				letter.OriginalPartition = int32(n)
			}
		case "original_offset":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				letter.OriginalOffset = n
			}
		case "error_message":
			letter.ErrorMessage = value
		case "failure_time":
			letter.FailureTime = value
		}
	}

	var event InventoryChangedEvent
	if err := json.Unmarshal(message.Value, &event); err == nil {
		letter.Event = &event
	}
	return letter
}

// DLQMonitor reads the dead letter topic from the beginning and logs every
// message it finds.
type DLQMonitor struct {
	consumerGroup sarama.ConsumerGroup
	logger        *logrus.Logger
	seen          atomic.Int64
}

func NewDLQMonitor(brokers []string, groupID string, logger *logrus.Logger) (*DLQMonitor, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}
	return &DLQMonitor{consumerGroup: consumerGroup, logger: logger}, nil
}

func (m *DLQMonitor) Start(ctx context.Context) error {
	for {
		if err := m.consumerGroup.Consume(ctx, []string{InventoryChangedDLQTopic}, m); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Seen is the number of dead letters logged since start.
func (m *DLQMonitor) Seen() int64 {
	return m.seen.Load()
}

func (m *DLQMonitor) Close() error {
	return m.consumerGroup.Close()
}

func (m *DLQMonitor) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (m *DLQMonitor) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (m *DLQMonitor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		m.record(message)
		session.MarkMessage(message, "")
	}
	return nil
}

func (m *DLQMonitor) record(message *sarama.ConsumerMessage) DeadLetter {
	letter := ParseDeadLetter(message)
	m.seen.Add(1)

	fields := logrus.Fields{
		"key":                letter.Key,
		"dlq_offset":         message.Offset,
		"original_topic":     letter.OriginalTopic,
		"original_partition": letter.OriginalPartition,
		"original_offset":    letter.OriginalOffset,
		"failure_time":       letter.FailureTime,
		"error":              letter.ErrorMessage,
	}
	if letter.Event != nil {
		fields["pickup_date"] = letter.Event.Date
		fields["used"] = letter.Event.Used
		fields["reason"] = letter.Event.Reason
	} else {
		fields["payload"] = string(message.Value)
	}

	m.logger.WithFields(fields).Warn("Dead-lettered inventory change")
	return letter
}
