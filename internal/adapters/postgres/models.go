package postgres

import (
	"time"

	"github.com/google/uuid"
)

type subjectModel struct {
	SubjectID             uuid.UUID  `gorm:"column:subject_id;type:uuid;primaryKey"`
	LastActivityAt        time.Time  `gorm:"column:last_activity_at"`
	ProtocolStatus        string     `gorm:"column:protocol_status"`
	RequiredConfirmations int        `gorm:"column:required_confirmations"`
	IsEnabled             bool       `gorm:"column:is_enabled"`
	QuorumWindowStartedAt *time.Time `gorm:"column:quorum_window_started_at"`
	ActivationType        string     `gorm:"column:activation_type"`
	ActivatedAt           *time.Time `gorm:"column:activated_at"`
	Version               int64      `gorm:"column:version"`
	CreatedAt             time.Time  `gorm:"column:created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at"`
}

func (subjectModel) TableName() string { return "protection_subjects" }

type activationRequestModel struct {
	RequestID          uuid.UUID `gorm:"column:request_id;type:uuid;primaryKey"`
	SubjectID          uuid.UUID `gorm:"column:subject_id;type:uuid"`
	GuardianID         uuid.UUID `gorm:"column:guardian_id;type:uuid"`
	Status             string    `gorm:"column:status"`
	TokenHash          string    `gorm:"column:token_hash"`
	TokenExpiresAt     time.Time `gorm:"column:token_expires_at"`
	VerificationMethod string    `gorm:"column:verification_method"`
	Notes              string    `gorm:"column:notes"`
	ActivationType     string    `gorm:"column:activation_type"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (activationRequestModel) TableName() string { return "activation_requests" }

type accessGrantModel struct {
	GrantID     uuid.UUID  `gorm:"column:grant_id;type:uuid;primaryKey"`
	SubjectID   uuid.UUID  `gorm:"column:subject_id;type:uuid"`
	GuardianID  uuid.UUID  `gorm:"column:guardian_id;type:uuid"`
	TokenHash   string     `gorm:"column:token_hash"`
	CodeHash    string     `gorm:"column:code_hash"`
	Permissions string     `gorm:"column:permissions;type:jsonb"`
	IssuedAt    time.Time  `gorm:"column:issued_at"`
	ExpiresAt   time.Time  `gorm:"column:expires_at"`
	Revoked     bool       `gorm:"column:revoked"`
	RevokedAt   *time.Time `gorm:"column:revoked_at"`
}

func (accessGrantModel) TableName() string { return "access_grants" }

type detectionRuleModel struct {
	RuleID            uuid.UUID  `gorm:"column:rule_id;type:uuid;primaryKey"`
	SubjectID         uuid.UUID  `gorm:"column:subject_id;type:uuid"`
	RuleType          string     `gorm:"column:rule_type"`
	TriggerConditions string     `gorm:"column:trigger_conditions;type:jsonb"`
	ResponseActions   string     `gorm:"column:response_actions;type:jsonb"`
	IsEnabled         bool       `gorm:"column:is_enabled"`
	TriggerCount      int        `gorm:"column:trigger_count"`
	LastTriggeredAt   *time.Time `gorm:"column:last_triggered_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (detectionRuleModel) TableName() string { return "detection_rules" }

type ruleEvaluationModel struct {
	RuleID      uuid.UUID `gorm:"column:rule_id;type:uuid;primaryKey"`
	CycleID     string    `gorm:"column:cycle_id;primaryKey"`
	TriggeredAt time.Time `gorm:"column:triggered_at"`
}

func (ruleEvaluationModel) TableName() string { return "rule_evaluations" }

type auditEntryModel struct {
	AuditID      string    `gorm:"column:audit_id;primaryKey"`
	SubjectID    uuid.UUID `gorm:"column:subject_id;type:uuid"`
	Actor        string    `gorm:"column:actor"`
	Action       string    `gorm:"column:action"`
	ResourceType string    `gorm:"column:resource_type"`
	ResourceID   string    `gorm:"column:resource_id"`
	Outcome      string    `gorm:"column:outcome"`
	Metadata     string    `gorm:"column:metadata;type:jsonb"`
	Digest       string    `gorm:"column:digest"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (auditEntryModel) TableName() string { return "audit_entries" }

type notificationRecordModel struct {
	NotificationID   uuid.UUID `gorm:"column:notification_id;type:uuid;primaryKey"`
	SubjectID        uuid.UUID `gorm:"column:subject_id;type:uuid"`
	GuardianID       uuid.UUID `gorm:"column:guardian_id;type:uuid"`
	NotificationType string    `gorm:"column:notification_type"`
	Title            string    `gorm:"column:title"`
	Priority         string    `gorm:"column:priority"`
	Delivered        bool      `gorm:"column:delivered"`
	Error            string    `gorm:"column:error"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (notificationRecordModel) TableName() string { return "notification_log" }

type healthCheckModel struct {
	CheckID     uuid.UUID `gorm:"column:check_id;type:uuid;primaryKey"`
	SubjectID   uuid.UUID `gorm:"column:subject_id;type:uuid"`
	CheckType   string    `gorm:"column:check_type"`
	Responded   bool      `gorm:"column:responded"`
	ScheduledAt time.Time `gorm:"column:scheduled_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (healthCheckModel) TableName() string { return "health_checks" }

type accessAttemptModel struct {
	AttemptID   uuid.UUID  `gorm:"column:attempt_id;type:uuid;primaryKey"`
	SubjectID   uuid.UUID  `gorm:"column:subject_id;type:uuid"`
	GuardianID  *uuid.UUID `gorm:"column:guardian_id;type:uuid"`
	Kind        string     `gorm:"column:kind"`
	Outcome     string     `gorm:"column:outcome"`
	Reason      string     `gorm:"column:reason"`
	AttemptedAt time.Time  `gorm:"column:attempted_at"`
}

func (accessAttemptModel) TableName() string { return "access_attempts" }

type scheduledActionModel struct {
	ActionID   uuid.UUID  `gorm:"column:action_id;type:uuid;primaryKey"`
	SubjectID  uuid.UUID  `gorm:"column:subject_id;type:uuid"`
	RuleID     uuid.UUID  `gorm:"column:rule_id;type:uuid"`
	RuleType   string     `gorm:"column:rule_type"`
	Action     string     `gorm:"column:action;type:jsonb"`
	Reason     string     `gorm:"column:reason"`
	DueAt      time.Time  `gorm:"column:due_at"`
	ExecutedAt *time.Time `gorm:"column:executed_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
}

func (scheduledActionModel) TableName() string { return "scheduled_actions" }

type guardianOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (guardianOutboxModel) TableName() string { return "guardian_outbox" }

type guardianModel struct {
	GuardianID          uuid.UUID `gorm:"column:guardian_id;type:uuid;primaryKey"`
	SubjectID           uuid.UUID `gorm:"column:subject_id;type:uuid"`
	Name                string    `gorm:"column:name"`
	Email               string    `gorm:"column:email"`
	Phone               string    `gorm:"column:phone"`
	IsActive            bool      `gorm:"column:is_active"`
	CanTriggerEmergency bool      `gorm:"column:can_trigger_emergency"`
	Permissions         string    `gorm:"column:permissions;type:jsonb"`
	Priority            int       `gorm:"column:priority"`
}

func (guardianModel) TableName() string { return "guardians" }
