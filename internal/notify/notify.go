// Package notify delivers ledger events to external listeners.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"exportcore/internal/core"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConfig addresses the topic events are published to.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	// BatchTimeout bounds how long a partial batch waits before it is
	// flushed; kafka-go defaults to one second.
	BatchTimeout time.Duration
}

// DefaultBatchTimeout is used when KafkaConfig.BatchTimeout is not positive.
const DefaultBatchTimeout = 10 * time.Millisecond

// NewKafkaWriter builds a writer for cfg. Messages with the same key land on
// the same partition, so events for one contract stay ordered.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka notifier needs at least one broker")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka notifier needs a topic")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}, nil
}

// KafkaNotifier publishes each event as one JSON message keyed by contract id.
type KafkaNotifier struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaNotifier wraps writer. A non-positive timeout defaults to five seconds.
func NewKafkaNotifier(writer MessageWriter, timeout time.Duration) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaNotifier{writer: writer, timeout: timeout}
}

// Notify implements core.Notifier.
func (n *KafkaNotifier) Notify(ctx context.Context, event core.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "encode event %s", event.ID)
	}
	writeCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err = n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.ContractID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	})
	return errors.Wrapf(err, "publish event %s", event.Type)
}

// LogNotifier writes events to a logger. It is used when no broker is configured.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier returns a notifier logging at info level.
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements core.Notifier.
func (n *LogNotifier) Notify(_ context.Context, event core.Event) error {
	n.logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"event_type":  event.Type,
		"contract_id": event.ContractID,
		"shipment_id": event.ShipmentID,
	}).Info("ledger event")
	return nil
}
