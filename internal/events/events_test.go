package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestProducerPublishesKeyedByDate(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != InventoryChangedTopic {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "2025-12-18" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var event InventoryChangedEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.Used != 60 || event.Reason != "reserved" || event.EventTime.IsZero() {
			return errors.New("unexpected payload " + string(value))
		}
		return nil
	})

	producer := NewKafkaProducerFrom(mock, quietLogger())
	producer.InventoryChanged(context.Background(), models.InventoryChange{
		Date:      "2025-12-18",
		Used:      60,
		Remaining: 190,
		Delta:     10,
		Reason:    "reserved",
	})

	require.NoError(t, producer.Close())
}

func TestProducerFailureIsNotFatal(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewKafkaProducerFrom(mock, quietLogger())
	assert.NotPanics(t, func() {
		producer.InventoryChanged(context.Background(), models.InventoryChange{Date: "2025-12-18"})
	})
	require.NoError(t, producer.Close())
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
	received []models.InventoryChange
}

func (h *flakyHandler) HandleInventoryChanged(ctx context.Context, change models.InventoryChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failures > 0 {
		h.failures--
		return errors.New("hub busy")
	}
	h.received = append(h.received, change)
	return nil
}

func message(t *testing.T, change models.InventoryChange) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(InventoryChangedEvent{InventoryChange: change, EventTime: time.Now()})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:     InventoryChangedTopic,
		Partition: 1,
		Offset:    42,
		Key:       []byte(change.Date),
		Value:     data,
	}
}

func TestConsumerDeliversChange(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	handler := &flakyHandler{}
	h := newConsumerGroupHandler(handler, producer, quietLogger())

	h.process(context.Background(), message(t, models.InventoryChange{Date: "2025-12-18", Used: 12}))

	require.Len(t, handler.received, 1)
	assert.Equal(t, 12, handler.received[0].Used)
	assert.Equal(t, ConsumerMetrics{ProcessedCount: 1}, h.snapshot())
	require.NoError(t, producer.Close())
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	handler := &flakyHandler{failures: 2}
	h := newConsumerGroupHandler(handler, producer, quietLogger())
	h.retryDelay = time.Millisecond

	h.process(context.Background(), message(t, models.InventoryChange{Date: "2025-12-18"}))

	assert.Equal(t, 3, handler.calls)
	assert.Len(t, handler.received, 1)
	assert.Equal(t, int64(2), h.snapshot().RetryCount)
	assert.Zero(t, h.snapshot().DLQCount)
	require.NoError(t, producer.Close())
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != InventoryChangedDLQTopic {
			return errors.New("wrong topic " + msg.Topic)
		}
		for _, header := range msg.Headers {
			if string(header.Key) == "original_offset" && string(header.Value) == "42" {
				return nil
			}
		}
		return errors.New("original offset header missing")
	})

	handler := &flakyHandler{failures: 100}
	h := newConsumerGroupHandler(handler, producer, quietLogger())
	h.retryDelay = time.Millisecond

	h.process(context.Background(), message(t, models.InventoryChange{Date: "2025-12-18"}))

	assert.Equal(t, MaxRetries+1, handler.calls)
	metrics := h.snapshot()
	assert.Equal(t, int64(1), metrics.FailureCount)
	assert.Equal(t, int64(1), metrics.DLQCount)
	require.NoError(t, producer.Close())
}

func TestConsumerDeadLettersUndecodableMessages(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()

	handler := &flakyHandler{}
	h := newConsumerGroupHandler(handler, producer, quietLogger())

	h.process(context.Background(), &sarama.ConsumerMessage{Topic: InventoryChangedTopic, Value: []byte("not json")})

	assert.Zero(t, handler.calls)
	assert.Equal(t, int64(1), h.snapshot().DLQCount)
	require.NoError(t, producer.Close())
}

func TestConsumerStopsRetryingOnShutdown(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	handler := &flakyHandler{failures: 100}
	h := newConsumerGroupHandler(handler, producer, quietLogger())
	h.retryDelay = time.Hour

	msg := message(t, models.InventoryChange{Date: "2025-12-18"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.process(ctx, msg)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process did not return after cancellation")
	}
	assert.Zero(t, h.snapshot().DLQCount)
	require.NoError(t, producer.Close())
}

func TestParseDeadLetter(t *testing.T) {
	msg := message(t, models.InventoryChange{Date: "2025-12-18", Used: 30, Reason: "reserved"})
	msg.Topic = InventoryChangedDLQTopic
	msg.Headers = []*sarama.RecordHeader{
		{Key: []byte("original_topic"), Value: []byte(InventoryChangedTopic)},
		{Key: []byte("original_partition"), Value: []byte("3")},
		{Key: []byte("original_offset"), Value: []byte("17")},
		{Key: []byte("error_message"), Value: []byte("broadcast channel full")},
		{Key: []byte("failure_time"), Value: []byte("2025-12-18T15:00:00Z")},
	}

	monitor := &DLQMonitor{logger: quietLogger()}
	letter := monitor.record(msg)

	assert.Equal(t, "2025-12-18", letter.Key)
	assert.Equal(t, InventoryChangedTopic, letter.OriginalTopic)
	assert.Equal(t, int32(3), letter.OriginalPartition)
	assert.Equal(t, int64(17), letter.OriginalOffset)
	assert.Equal(t, "broadcast channel full", letter.ErrorMessage)
	require.NotNil(t, letter.Event)
	assert.Equal(t, 30, letter.Event.Used)
	assert.Equal(t, int64(1), monitor.Seen())
}

func TestParseDeadLetterKeepsUndecodablePayload(t *testing.T) {
	letter := ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte("not json")})
	assert.Nil(t, letter.Event)
	assert.Empty(t, letter.OriginalTopic)
}
