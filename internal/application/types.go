package application

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
)

type SubmitActivationRequest struct {
	SubjectID          uuid.UUID
	GuardianID         uuid.UUID
	VerificationMethod string
	Notes              string
}

// GrantView is the redacted form of an access grant returned by the API.
type GrantView struct {
	GrantID     uuid.UUID          `json:"grant_id"`
	SubjectID   uuid.UUID          `json:"subject_id"`
	GuardianID  uuid.UUID          `json:"guardian_id"`
	Permissions domain.Permissions `json:"permissions"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Revoked     bool               `json:"revoked"`
}

func toGrantView(g domain.AccessGrant) GrantView {
	return GrantView{
		GrantID:     g.ID,
		SubjectID:   g.SubjectID,
		GuardianID:  g.GuardianID,
		Permissions: g.Permissions,
		IssuedAt:    g.IssuedAt,
		ExpiresAt:   g.ExpiresAt,
		Revoked:     g.Revoked,
	}
}

type ActivationResult struct {
	SubjectID             uuid.UUID             `json:"subject_id"`
	RequestID             uuid.UUID             `json:"request_id,omitempty"`
	ProtocolStatus        domain.ProtocolStatus `json:"protocol_status"`
	ProtocolActivated     bool                  `json:"protocol_activated"`
	CurrentConfirmations  int                   `json:"current_confirmations"`
	RequiredConfirmations int                   `json:"required_confirmations"`
	ConfirmationsNeeded   int                   `json:"confirmations_needed"`
	Grants                []GrantView           `json:"grants"`
}

type RequestView struct {
	RequestID      uuid.UUID             `json:"request_id"`
	GuardianID     uuid.UUID             `json:"guardian_id"`
	Status         domain.RequestStatus  `json:"status"`
	Type           domain.ActivationType `json:"activation_type"`
	TokenExpiresAt time.Time             `json:"token_expires_at"`
	CreatedAt      time.Time             `json:"created_at"`
}

type ActivationStatus struct {
	SubjectID             uuid.UUID             `json:"subject_id"`
	ProtocolStatus        domain.ProtocolStatus `json:"protocol_status"`
	IsEnabled             bool                  `json:"is_enabled"`
	ActivationType        domain.ActivationType `json:"activation_type,omitempty"`
	ActivatedAt           *time.Time            `json:"activated_at,omitempty"`
	WindowStartedAt       *time.Time            `json:"window_started_at,omitempty"`
	WindowExpiresAt       *time.Time            `json:"window_expires_at,omitempty"`
	CurrentConfirmations  int                   `json:"current_confirmations"`
	RequiredConfirmations int                   `json:"required_confirmations"`
	PendingRequests       []RequestView         `json:"pending_requests"`
}

// GrantValidation is what a resource enforcement point learns from a valid grant.
type GrantValidation struct {
	GrantID     uuid.UUID          `json:"grant_id"`
	SubjectID   uuid.UUID          `json:"subject_id"`
	GuardianID  uuid.UUID          `json:"guardian_id"`
	Permissions domain.Permissions `json:"permissions"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

type RuleOutcome struct {
	RuleID           uuid.UUID       `json:"rule_id"`
	SubjectID        uuid.UUID       `json:"subject_id"`
	RuleType         domain.RuleType `json:"rule_type"`
	Fired            bool            `json:"fired"`
	AlreadyEvaluated bool            `json:"already_evaluated,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	ActionsExecuted  int             `json:"actions_executed"`
	ActionsScheduled int             `json:"actions_scheduled"`
	Error            string          `json:"error,omitempty"`
}

type CycleReport struct {
	CycleID           string        `json:"cycle_id"`
	SubjectsEvaluated int           `json:"subjects_evaluated"`
	RulesChecked      int           `json:"rules_checked"`
	RulesTriggered    int           `json:"rules_triggered"`
	ActionsExecuted   int           `json:"actions_executed"`
	ActionsScheduled  int           `json:"actions_scheduled"`
	Failures          int           `json:"failures"`
	Triggered         []RuleOutcome `json:"triggered"`
	Outcomes          []RuleOutcome `json:"outcomes"`
}

// DispatchRequest is one response action to execute for a subject.
type DispatchRequest struct {
	SubjectID uuid.UUID
	RuleID    uuid.UUID
	RuleType  domain.RuleType
	Action    domain.ResponseAction
	Reason    string
	// Deferred is set when the action comes off the scheduled queue, so its delay
	// has already elapsed.
	Deferred bool
}

type DispatchResult struct {
	Executed  bool `json:"executed"`
	Scheduled bool `json:"scheduled"`
	Notified  int  `json:"notified"`
}

type SubjectView struct {
	SubjectID             uuid.UUID             `json:"subject_id"`
	ProtocolStatus        domain.ProtocolStatus `json:"protocol_status"`
	IsEnabled             bool                  `json:"is_enabled"`
	RequiredConfirmations int                   `json:"required_confirmations"`
	LastActivityAt        time.Time             `json:"last_activity_at"`
	Created               bool                  `json:"created"`
}

type SettingsUpdate struct {
	IsEnabled             *bool
	RequiredConfirmations *int
}

// RuleDocument is the owner supplied rule definition.
type RuleDocument struct {
	RuleType          domain.RuleType         `json:"rule_type"`
	TriggerConditions json.RawMessage         `json:"trigger_conditions"`
	ResponseActions   []domain.ResponseAction `json:"response_actions"`
	IsEnabled         *bool                   `json:"is_enabled,omitempty"`
}

type RuleView struct {
	RuleID            uuid.UUID               `json:"rule_id"`
	SubjectID         uuid.UUID               `json:"subject_id"`
	RuleType          domain.RuleType         `json:"rule_type"`
	TriggerConditions json.RawMessage         `json:"trigger_conditions"`
	ResponseActions   []domain.ResponseAction `json:"response_actions"`
	IsEnabled         bool                    `json:"is_enabled"`
	TriggerCount      int                     `json:"trigger_count"`
	LastTriggeredAt   *time.Time              `json:"last_triggered_at,omitempty"`
}

type HealthCheckInput struct {
	SubjectID   uuid.UUID
	CheckType   string
	Responded   bool
	ScheduledAt time.Time
}

type SystemStatus struct {
	EnabledShields     int `json:"enabled_shields"`
	ActiveShields      int `json:"active_shields"`
	PendingActivations int `json:"pending_activations"`
	PendingRequests    int `json:"pending_requests"`
}

type AuditView struct {
	ID           string         `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Outcome      domain.Outcome `json:"outcome"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	Digest       string         `json:"digest"`
	Intact       bool           `json:"intact"`
}

type MaintenanceReport struct {
	WindowsExpired  int `json:"windows_expired"`
	RequestsExpired int `json:"requests_expired"`
}
