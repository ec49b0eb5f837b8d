package domain

import (
	"time"

	"github.com/google/uuid"
)

// HealthCheck is a scheduled check-in; unanswered ones feed the health_check rule.
type HealthCheck struct {
	ID          uuid.UUID
	SubjectID   uuid.UUID
	CheckType   string
	Responded   bool
	ScheduledAt time.Time
	CreatedAt   time.Time
}

type AttemptKind string

const (
	AttemptGrantValidation  AttemptKind = "grant_validation"
	AttemptActivationSubmit AttemptKind = "activation_submission"
)

// AccessAttempt records rejected (and accepted) access to guardian credentials.
type AccessAttempt struct {
	ID          uuid.UUID
	SubjectID   uuid.UUID
	GuardianID  *uuid.UUID
	Kind        AttemptKind
	Outcome     Outcome
	Reason      string
	AttemptedAt time.Time
}

// ScheduledAction is a rule response action with a non-zero delay.
type ScheduledAction struct {
	ID         uuid.UUID
	SubjectID  uuid.UUID
	RuleID     uuid.UUID
	RuleType   RuleType
	Action     ResponseAction
	Reason     string
	DueAt      time.Time
	ExecutedAt *time.Time
	CreatedAt  time.Time
}
