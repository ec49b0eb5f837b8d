package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type RuleType string

const (
	RuleInactivity         RuleType = "inactivity"
	RuleHealthCheck        RuleType = "health_check"
	RuleGuardianManual     RuleType = "guardian_manual"
	RuleSuspiciousActivity RuleType = "suspicious_activity"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleInactivity, RuleHealthCheck, RuleGuardianManual, RuleSuspiciousActivity:
		return true
	default:
		return false
	}
}

const (
	DefaultMissedHealthChecks     = 3
	DefaultManualRequestThreshold = 1
	DefaultFailedAttemptThreshold = 5

	// Look-back windows for the counted signals.
	HealthCheckLookback        = 7 * 24 * time.Hour
	ManualRequestLookback      = 24 * time.Hour
	SuspiciousActivityLookback = 24 * time.Hour
)

// Condition is the typed trigger condition of a rule. The set of variants is closed.
type Condition interface {
	RuleType() RuleType
	isCondition()
}

// InactivityCondition fires once the subject has been inactive for ThresholdDays.
type InactivityCondition struct {
	ThresholdDays int
}

// HealthCheckCondition fires when MissedThreshold check-ins went unanswered.
type HealthCheckCondition struct {
	MissedThreshold int
}

// GuardianManualCondition fires when guardians delivered RequestThreshold
// activation requests in the look-back window.
type GuardianManualCondition struct {
	RequestThreshold int
}

// SuspiciousActivityCondition fires when failed access attempts exceed FailedAttemptThreshold.
type SuspiciousActivityCondition struct {
	FailedAttemptThreshold int
}

func (InactivityCondition) RuleType() RuleType         { return RuleInactivity }
func (HealthCheckCondition) RuleType() RuleType        { return RuleHealthCheck }
func (GuardianManualCondition) RuleType() RuleType     { return RuleGuardianManual }
func (SuspiciousActivityCondition) RuleType() RuleType { return RuleSuspiciousActivity }

func (InactivityCondition) isCondition()         {}
func (HealthCheckCondition) isCondition()        {}
func (GuardianManualCondition) isCondition()     {}
func (SuspiciousActivityCondition) isCondition() {}

const (
	conditionTimeBased     = "time_based"
	conditionActivityBased = "activity_based"
)

type conditionDocument struct {
	Type           string `json:"type"`
	ThresholdDays  int    `json:"threshold_days,omitempty"`
	ThresholdCount int    `json:"threshold_count,omitempty"`
}

// DecodeCondition parses the stored trigger_conditions document for ruleType.
func DecodeCondition(ruleType RuleType, raw []byte) (Condition, error) {
	var doc conditionDocument
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: trigger_conditions: %v", ErrInvalidInput, err)
		}
	}
	switch ruleType {
	case RuleInactivity:
		if doc.Type != conditionTimeBased {
			return nil, fmt.Errorf("%w: inactivity rule requires a time_based condition", ErrInvalidInput)
		}
		if doc.ThresholdDays <= 0 {
			return nil, fmt.Errorf("%w: threshold_days must be positive", ErrInvalidInput)
		}
		return InactivityCondition{ThresholdDays: doc.ThresholdDays}, nil
	case RuleHealthCheck, RuleGuardianManual, RuleSuspiciousActivity:
		if doc.Type != "" && doc.Type != conditionActivityBased {
			return nil, fmt.Errorf("%w: %s rule requires an activity_based condition", ErrInvalidInput, ruleType)
		}
		if doc.ThresholdCount < 0 {
			return nil, fmt.Errorf("%w: threshold_count must not be negative", ErrInvalidInput)
		}
		switch ruleType {
		case RuleHealthCheck:
			return HealthCheckCondition{MissedThreshold: orDefault(doc.ThresholdCount, DefaultMissedHealthChecks)}, nil
		case RuleGuardianManual:
			return GuardianManualCondition{RequestThreshold: orDefault(doc.ThresholdCount, DefaultManualRequestThreshold)}, nil
		default:
			return SuspiciousActivityCondition{FailedAttemptThreshold: orDefault(doc.ThresholdCount, DefaultFailedAttemptThreshold)}, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidInput, ruleType)
	}
}

// EncodeCondition is the inverse of DecodeCondition.
func EncodeCondition(c Condition) ([]byte, error) {
	var doc conditionDocument
	switch v := c.(type) {
	case InactivityCondition:
		doc = conditionDocument{Type: conditionTimeBased, ThresholdDays: v.ThresholdDays}
	case HealthCheckCondition:
		doc = conditionDocument{Type: conditionActivityBased, ThresholdCount: v.MissedThreshold}
	case GuardianManualCondition:
		doc = conditionDocument{Type: conditionActivityBased, ThresholdCount: v.RequestThreshold}
	case SuspiciousActivityCondition:
		doc = conditionDocument{Type: conditionActivityBased, ThresholdCount: v.FailedAttemptThreshold}
	default:
		return nil, fmt.Errorf("%w: unsupported condition %T", ErrInvalidInput, c)
	}
	return json.Marshal(doc)
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// Signals are the observations a condition is evaluated against.
type Signals struct {
	Now                     time.Time
	LastActivityAt          time.Time
	MissedHealthChecks      int
	ManualRequestsDelivered int
	FailedAccessAttempts    int
}

// Evaluate reports whether c fires for s and a short human readable reason.
func Evaluate(c Condition, s Signals) (bool, string) {
	switch v := c.(type) {
	case InactivityCondition:
		if s.LastActivityAt.IsZero() {
			return false, "no activity recorded"
		}
		threshold := time.Duration(v.ThresholdDays) * 24 * time.Hour
		inactive := s.Now.Sub(s.LastActivityAt)
		if inactive >= threshold {
			return true, fmt.Sprintf("inactive for %d days (threshold %d)", int(inactive.Hours()/24), v.ThresholdDays)
		}
		return false, ""
	case HealthCheckCondition:
		if s.MissedHealthChecks >= v.MissedThreshold {
			return true, fmt.Sprintf("%d missed health checks (threshold %d)", s.MissedHealthChecks, v.MissedThreshold)
		}
		return false, ""
	case GuardianManualCondition:
		if s.ManualRequestsDelivered >= v.RequestThreshold {
			return true, fmt.Sprintf("%d guardian activation requests (threshold %d)", s.ManualRequestsDelivered, v.RequestThreshold)
		}
		return false, ""
	case SuspiciousActivityCondition:
		if s.FailedAccessAttempts > v.FailedAttemptThreshold {
			return true, fmt.Sprintf("%d failed access attempts (threshold %d)", s.FailedAccessAttempts, v.FailedAttemptThreshold)
		}
		return false, ""
	default:
		return false, ""
	}
}

type ActionType string

const (
	ActionNotifyGuardians ActionType = "notify_guardians"
	ActionActivateShield  ActionType = "activate_shield"
	ActionCreateAuditLog  ActionType = "create_audit_log"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionNotifyGuardians, ActionActivateShield, ActionCreateAuditLog:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; higher is more urgent. Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// DefaultPriorityFor is the notification priority used when an action does not set one.
func DefaultPriorityFor(ruleType RuleType) Priority {
	switch ruleType {
	case RuleGuardianManual:
		return PriorityUrgent
	case RuleInactivity:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

type ResponseAction struct {
	Type         ActionType `json:"type"`
	Priority     Priority   `json:"priority"`
	DelayMinutes int        `json:"delay_minutes,omitempty"`
}

func (a ResponseAction) Delay() time.Duration {
	return time.Duration(a.DelayMinutes) * time.Minute
}

func (a ResponseAction) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, a.Type)
	}
	if a.Priority != "" && a.Priority.Rank() == 0 {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, a.Priority)
	}
	if a.DelayMinutes < 0 {
		return fmt.Errorf("%w: delay_minutes must not be negative", ErrInvalidInput)
	}
	return nil
}

// SortActions returns actions ordered by descending priority, stable for ties.
func SortActions(actions []ResponseAction) []ResponseAction {
	out := make([]ResponseAction, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() > out[j].Priority.Rank()
	})
	return out
}

// Rule is an owner configured detection rule. Trigger bookkeeping is only
// mutated by the evaluation engine.
type Rule struct {
	ID              uuid.UUID
	SubjectID       uuid.UUID
	Type            RuleType
	Condition       Condition
	Actions         []ResponseAction
	IsEnabled       bool
	TriggerCount    int
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r Rule) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidInput, r.Type)
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: trigger condition is required", ErrInvalidInput)
	}
	if r.Condition.RuleType() != r.Type {
		return fmt.Errorf("%w: condition does not match rule type %s", ErrInvalidInput, r.Type)
	}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRules are installed when a subject is first initialized.
func DefaultRules(subjectID uuid.UUID, now time.Time) []Rule {
	return []Rule{
		{
			ID:        uuid.New(),
			SubjectID: subjectID,
			Type:      RuleInactivity,
			Condition: InactivityCondition{ThresholdDays: 180},
			Actions: []ResponseAction{
				{Type: ActionNotifyGuardians, Priority: PriorityHigh},
				{Type: ActionActivateShield, Priority: PriorityHigh, DelayMinutes: 24 * 60},
			},
			IsEnabled: true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        uuid.New(),
			SubjectID: subjectID,
			Type:      RuleHealthCheck,
			Condition: HealthCheckCondition{MissedThreshold: DefaultMissedHealthChecks},
			Actions: []ResponseAction{
				{Type: ActionNotifyGuardians, Priority: PriorityMedium},
			},
			IsEnabled: true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        uuid.New(),
			SubjectID: subjectID,
			Type:      RuleSuspiciousActivity,
			Condition: SuspiciousActivityCondition{FailedAttemptThreshold: DefaultFailedAttemptThreshold},
			Actions: []ResponseAction{
				{Type: ActionCreateAuditLog, Priority: PriorityHigh},
				{Type: ActionNotifyGuardians, Priority: PriorityMedium},
			},
			IsEnabled: true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}
