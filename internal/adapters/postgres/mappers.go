package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/viralforge/guardian-activation/internal/domain"
	"gorm.io/gorm"
)

// mapError folds driver errors into domain sentinels. TranslateError must be
// enabled on the connection for duplicate keys to surface as gorm.ErrDuplicatedKey.
func mapError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s already exists", domain.ErrConflict, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func toDomainSubject(row subjectModel) domain.Subject {
	return domain.Subject{
		ID:                    row.SubjectID,
		LastActivityAt:        row.LastActivityAt,
		Status:                domain.ProtocolStatus(row.ProtocolStatus),
		RequiredConfirmations: row.RequiredConfirmations,
		IsEnabled:             row.IsEnabled,
		QuorumWindowStartedAt: row.QuorumWindowStartedAt,
		ActivationType:        domain.ActivationType(row.ActivationType),
		ActivatedAt:           row.ActivatedAt,
		Version:               row.Version,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
}

func fromDomainSubject(s domain.Subject) subjectModel {
	return subjectModel{
		SubjectID:             s.ID,
		LastActivityAt:        s.LastActivityAt,
		ProtocolStatus:        string(s.Status),
		RequiredConfirmations: s.RequiredConfirmations,
		IsEnabled:             s.IsEnabled,
		QuorumWindowStartedAt: s.QuorumWindowStartedAt,
		ActivationType:        string(s.ActivationType),
		ActivatedAt:           s.ActivatedAt,
		Version:               s.Version,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

func toDomainRequest(row activationRequestModel) domain.ActivationRequest {
	return domain.ActivationRequest{
		ID:                 row.RequestID,
		SubjectID:          row.SubjectID,
		GuardianID:         row.GuardianID,
		Status:             domain.RequestStatus(row.Status),
		TokenHash:          row.TokenHash,
		TokenExpiresAt:     row.TokenExpiresAt,
		VerificationMethod: row.VerificationMethod,
		Notes:              row.Notes,
		Type:               domain.ActivationType(row.ActivationType),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}

func toDomainGrant(row accessGrantModel) (domain.AccessGrant, error) {
	var perms domain.Permissions
	if row.Permissions != "" {
		if err := json.Unmarshal([]byte(row.Permissions), &perms); err != nil {
			return domain.AccessGrant{}, fmt.Errorf("decode grant permissions: %w", err)
		}
	}
	return domain.AccessGrant{
		ID:          row.GrantID,
		SubjectID:   row.SubjectID,
		GuardianID:  row.GuardianID,
		TokenHash:   row.TokenHash,
		CodeHash:    row.CodeHash,
		Permissions: perms,
		IssuedAt:    row.IssuedAt,
		ExpiresAt:   row.ExpiresAt,
		Revoked:     row.Revoked,
		RevokedAt:   row.RevokedAt,
	}, nil
}

func toDomainRule(row detectionRuleModel) (domain.Rule, error) {
	ruleType := domain.RuleType(row.RuleType)
	cond, err := domain.DecodeCondition(ruleType, []byte(row.TriggerConditions))
	if err != nil {
		return domain.Rule{}, fmt.Errorf("decode rule %s conditions: %w", row.RuleID, err)
	}
	var actions []domain.ResponseAction
	if row.ResponseActions != "" {
		if err := json.Unmarshal([]byte(row.ResponseActions), &actions); err != nil {
			return domain.Rule{}, fmt.Errorf("decode rule %s actions: %w", row.RuleID, err)
		}
	}
	return domain.Rule{
		ID:              row.RuleID,
		SubjectID:       row.SubjectID,
		Type:            ruleType,
		Condition:       cond,
		Actions:         actions,
		IsEnabled:       row.IsEnabled,
		TriggerCount:    row.TriggerCount,
		LastTriggeredAt: row.LastTriggeredAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func fromDomainRule(r domain.Rule) (detectionRuleModel, error) {
	cond, err := domain.EncodeCondition(r.Condition)
	if err != nil {
		return detectionRuleModel{}, err
	}
	actions := r.Actions
	if actions == nil {
		actions = []domain.ResponseAction{}
	}
	rawActions, err := json.Marshal(actions)
	if err != nil {
		return detectionRuleModel{}, fmt.Errorf("encode rule actions: %w", err)
	}
	return detectionRuleModel{
		RuleID:            r.ID,
		SubjectID:         r.SubjectID,
		RuleType:          string(r.Type),
		TriggerConditions: string(cond),
		ResponseActions:   string(rawActions),
		IsEnabled:         r.IsEnabled,
		TriggerCount:      r.TriggerCount,
		LastTriggeredAt:   r.LastTriggeredAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func toDomainAudit(row auditEntryModel) (domain.AuditEntry, error) {
	meta := map[string]any{}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("decode audit %s metadata: %w", row.AuditID, err)
		}
	}
	return domain.AuditEntry{
		ID:           row.AuditID,
		SubjectID:    row.SubjectID,
		Actor:        row.Actor,
		Action:       row.Action,
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Outcome:      domain.Outcome(row.Outcome),
		Metadata:     meta,
		Digest:       row.Digest,
		CreatedAt:    row.CreatedAt,
	}, nil
}

func toDomainScheduledAction(row scheduledActionModel) (domain.ScheduledAction, error) {
	var action domain.ResponseAction
	if err := json.Unmarshal([]byte(row.Action), &action); err != nil {
		return domain.ScheduledAction{}, fmt.Errorf("decode scheduled action %s: %w", row.ActionID, err)
	}
	return domain.ScheduledAction{
		ID:         row.ActionID,
		SubjectID:  row.SubjectID,
		RuleID:     row.RuleID,
		RuleType:   domain.RuleType(row.RuleType),
		Action:     action,
		Reason:     row.Reason,
		DueAt:      row.DueAt,
		ExecutedAt: row.ExecutedAt,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func toDomainGuardian(row guardianModel) (domain.Guardian, error) {
	var perms domain.Permissions
	if row.Permissions != "" {
		if err := json.Unmarshal([]byte(row.Permissions), &perms); err != nil {
			return domain.Guardian{}, fmt.Errorf("decode guardian permissions: %w", err)
		}
	}
	return domain.Guardian{
		ID:                  row.GuardianID,
		SubjectID:           row.SubjectID,
		Name:                row.Name,
		Email:               row.Email,
		Phone:               row.Phone,
		IsActive:            row.IsActive,
		CanTriggerEmergency: row.CanTriggerEmergency,
		Permissions:         perms,
		Priority:            row.Priority,
	}, nil
}
