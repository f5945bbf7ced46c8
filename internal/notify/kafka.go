package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alerts to a topic keyed by counterparty, so events of
// one counterparty stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
	log    *zap.Logger
}

// NewKafka creates a synchronous producer for topic.
func NewKafka(brokers []string, topic string) *Kafka {
	log := zap.L().With(zap.String("component", "notify.kafka"))
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("kafka notifier initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &Kafka{writer: w, topic: topic, log: log}
}

// Notify implements Notifier.
func (k *Kafka) Notify(ctx context.Context, tenantID string, a model.Alert) error {
	value, err := json.Marshal(NewEvent(tenantID, a))
	if err != nil {
		return eris.Wrap(err, "notify: marshal alert")
	}
	msg := kafka.Message{
		Key:   []byte(a.CounterpartyID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(tenantID)},
			{Key: "alert_type", Value: []byte(a.Type)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "notify: publish alert %s to %s", a.ID, k.topic)
	}
	k.log.Debug("alert published", zap.String("alert_id", a.ID), zap.Int("value_size", len(value)))
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return eris.Wrap(k.writer.Close(), "notify: close kafka writer")
}
