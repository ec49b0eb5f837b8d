package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const NotificationTopic = "guardian.notifications"

// notificationMessage is the contract with the notification delivery service.
// Metadata may carry grant credentials; it is sent but never logged.
type notificationMessage struct {
	GuardianID string            `json:"guardian_id"`
	SubjectID  string            `json:"subject_id"`
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Type       string            `json:"notification_type"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Priority   domain.Priority   `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

func newNotificationMessage(recipient domain.Guardian, n domain.Notification, at time.Time) notificationMessage {
	return notificationMessage{
		GuardianID: recipient.ID.String(),
		SubjectID:  recipient.SubjectID.String(),
		Name:       recipient.Name,
		Email:      recipient.Email,
		Phone:      recipient.Phone,
		Type:       string(n.Type),
		Title:      n.Title,
		Body:       n.Body,
		Priority:   n.Priority,
		Metadata:   n.Metadata,
		SentAt:     at,
	}
}

// KafkaNotifier hands notifications to the delivery service over Kafka.
type KafkaNotifier struct {
	writer *kafka.Writer
	topic  string
}

var _ ports.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if topic == "" {
		topic = NotificationTopic
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, recipient domain.Guardian, notification domain.Notification) error {
	msg := newNotificationMessage(recipient, notification, time.Now().UTC())
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.GuardianID),
		Value: raw,
		Time:  msg.SentAt,
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LoggingNotifier records that a notification would have been sent. Body and
// metadata are left out since they may carry credentials.
type LoggingNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LoggingNotifier)(nil)

func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Notify(ctx context.Context, recipient domain.Guardian, notification domain.Notification) error {
	n.logger.InfoContext(ctx, "notification sent",
		"module", "events.notifier",
		"layer", "adapter",
		"operation", "notify",
		"outcome", "success",
		"guardian_id", recipient.ID,
		"notification_type", notification.Type,
		"priority", notification.Priority,
		"title", notification.Title,
		"metadata_keys", len(notification.Metadata),
	)
	return nil
}
