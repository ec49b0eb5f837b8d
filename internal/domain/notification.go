package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	// NotifyActivationRequest tells the other guardians that a guardian asked for activation.
	// Delivered ones feed the guardian_manual rule.
	NotifyActivationRequest NotificationType = "activation_request"
	// NotifyActivationReceipt returns the withdraw token to the submitting guardian.
	NotifyActivationReceipt   NotificationType = "activation_receipt"
	NotifyConfirmationRequest NotificationType = "confirmation_request"
	NotifyProtocolActivated   NotificationType = "protocol_activated"
	NotifyAccessGranted       NotificationType = "access_granted"
	NotifyRuleTriggered       NotificationType = "rule_triggered"
	NotifyReminder            NotificationType = "activation_reminder"
)

// Notification is the message handed to the delivery channel. Metadata may
// contain credentials and must not be persisted.
type Notification struct {
	Type     NotificationType
	Title    string
	Body     string
	Priority Priority
	Metadata map[string]string
}

// NotificationRecord is the persisted trace of a delivery attempt, without secrets.
type NotificationRecord struct {
	ID         uuid.UUID
	SubjectID  uuid.UUID
	GuardianID uuid.UUID
	Type       NotificationType
	Title      string
	Priority   Priority
	Delivered  bool
	Error      string
	CreatedAt  time.Time
}

type ReminderType string

const (
	ReminderFirst  ReminderType = "first_reminder"
	ReminderUrgent ReminderType = "urgent_reminder"
	ReminderFinal  ReminderType = "final_warning"
)

func ParseReminderType(raw string) (ReminderType, error) {
	switch ReminderType(raw) {
	case ReminderFirst, ReminderUrgent, ReminderFinal:
		return ReminderType(raw), nil
	case "":
		return ReminderFirst, nil
	default:
		return "", fmt.Errorf("%w: unknown reminder type %q", ErrInvalidInput, raw)
	}
}

func (r ReminderType) Priority() Priority {
	if r == ReminderFinal {
		return PriorityUrgent
	}
	return PriorityHigh
}

func (r ReminderType) Label() string {
	switch r {
	case ReminderFinal:
		return "FINAL WARNING"
	case ReminderUrgent:
		return "URGENT REMINDER"
	default:
		return "REMINDER"
	}
}
