package domain

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Audit actions.
const (
	AuditActivationRequested  = "activation.requested"
	AuditActivationRejected   = "activation.rejected"
	AuditActivationRepeated   = "activation.resubmitted"
	AuditActivationWithdrawn  = "activation.withdrawn"
	AuditProtocolPending      = "protocol.pending"
	AuditProtocolActivated    = "protocol.activated"
	AuditProtocolExpired      = "protocol.window_expired"
	AuditProtocolReset        = "protocol.reset"
	AuditSettingsUpdated      = "protocol.settings_updated"
	AuditSubjectInitialized   = "subject.initialized"
	AuditGrantIssued          = "grant.issued"
	AuditGrantRevoked         = "grant.revoked"
	AuditGrantValidationFail  = "grant.validation_failed"
	AuditRuleUpserted         = "rule.upserted"
	AuditRuleTriggered        = "rule.triggered"
	AuditRuleEvaluationFailed = "rule.evaluation_failed"
	AuditActionScheduled      = "action.scheduled"
	AuditActionExecuted       = "action.executed"
	AuditActionFailed         = "action.failed"
	AuditNotificationFailed   = "notification.failed"
)

const (
	ResourceSubject           = "protection_subject"
	ResourceActivationRequest = "activation_request"
	ResourceAccessGrant       = "access_grant"
	ResourceRule              = "detection_rule"
	ResourceNotification      = "notification"
	ResourceScheduledAction   = "scheduled_action"
)

// AuditEntry is append-only. ID is a ULID so entries sort by creation time; Digest
// is a SHA-256 over the canonical JSON form of the entry.
type AuditEntry struct {
	ID           string
	SubjectID    uuid.UUID
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	Metadata     map[string]any
	Digest       string
	CreatedAt    time.Time
}
