// sinks.go -- Notification gateway and Kafka alert sinks.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MGallo-Code/ledgersync/internal/notify"
)

// Sender is the notify.Client surface used by Notifier.
type Sender interface {
	Send(ctx context.Context, recipient, message string) (notify.Result, error)
}

// Notifier pages one recipient through the notification gateway.
type Notifier struct {
	sender    Sender
	recipient string
}

// NewNotifier returns a Notifier sending to recipient.
func NewNotifier(sender Sender, recipient string) *Notifier {
	return &Notifier{sender: sender, recipient: recipient}
}

func (n *Notifier) Alert(ctx context.Context, a Alert) error {
	_, err := n.sender.Send(ctx, n.recipient, a.Summary())
	return err
}

// MessageWriter is the kafka.Writer surface used by Stream.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Stream publishes alerts as JSON records keyed by message id.
type Stream struct {
	w MessageWriter
}

// NewStream returns a Stream over w.
func NewStream(w MessageWriter) *Stream {
	return &Stream{w: w}
}

// NewKafkaWriter returns a synchronous writer for the alert topic. Alerts are
// rare, so each write is flushed immediately.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
}

func (s *Stream) Alert(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.MessageID),
		Value: value,
		Time:  a.At,
	})
}
