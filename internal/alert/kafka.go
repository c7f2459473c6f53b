package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/kage/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON to a Kafka topic, keyed by tool@version
// so one pair's alerts stay ordered on a partition.
type KafkaSink struct {
	w       MessageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink producing to topic on the comma-separated
// broker list.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(w)
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w, timeout: 5 * time.Second}
}

func (s *KafkaSink) Send(ctx context.Context, a model.Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: kafka marshal: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.w.WriteMessages(writeCtx, kafka.Message{
		Key:     []byte(a.Tool + "@" + a.Version),
		Value:   value,
		Headers: []kafka.Header{{Key: "severity", Value: []byte(a.Severity)}},
		Time:    a.RaisedAt,
	})
	if err != nil {
		return fmt.Errorf("alert: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.w.Close() }
