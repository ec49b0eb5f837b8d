package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"gorm.io/gorm"
)

type auditRepository struct {
	db *gorm.DB
}

func (r *auditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	row := auditEntryModel{
		AuditID:      entry.ID,
		SubjectID:    entry.SubjectID,
		Actor:        entry.Actor,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Outcome:      string(entry.Outcome),
		Metadata:     string(raw),
		Digest:       entry.Digest,
		CreatedAt:    entry.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "audit entry")
}

func (r *auditRepository) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit int) ([]domain.AuditEntry, error) {
	var rows []auditEntryModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC, audit_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapError(err, "audit entries")
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := toDomainAudit(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

type notificationLogRepository struct {
	db *gorm.DB
}

func (r *notificationLogRepository) Record(ctx context.Context, rec domain.NotificationRecord) error {
	row := notificationRecordModel{
		NotificationID:   rec.ID,
		SubjectID:        rec.SubjectID,
		GuardianID:       rec.GuardianID,
		NotificationType: string(rec.Type),
		Title:            rec.Title,
		Priority:         string(rec.Priority),
		Delivered:        rec.Delivered,
		Error:            rec.Error,
		CreatedAt:        rec.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "notification record")
}

func (r *notificationLogRepository) CountDelivered(ctx context.Context, subjectID uuid.UUID, typ domain.NotificationType, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&notificationRecordModel{}).
		Where("subject_id = ? AND notification_type = ? AND delivered", subjectID, string(typ)).
		Where("created_at >= ?", since).
		Count(&count).Error
	if err != nil {
		return 0, mapError(err, "notification records")
	}
	return int(count), nil
}

type healthCheckRepository struct {
	db *gorm.DB
}

func (r *healthCheckRepository) Record(ctx context.Context, check domain.HealthCheck) error {
	row := healthCheckModel{
		CheckID:     check.ID,
		SubjectID:   check.SubjectID,
		CheckType:   check.CheckType,
		Responded:   check.Responded,
		ScheduledAt: check.ScheduledAt,
		CreatedAt:   check.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "health check")
}

func (r *healthCheckRepository) CountMissed(ctx context.Context, subjectID uuid.UUID, since, until time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&healthCheckModel{}).
		Where("subject_id = ? AND NOT responded", subjectID).
		Where("scheduled_at >= ? AND scheduled_at <= ?", since, until).
		Count(&count).Error
	if err != nil {
		return 0, mapError(err, "health checks")
	}
	return int(count), nil
}

type accessAttemptRepository struct {
	db *gorm.DB
}

func (r *accessAttemptRepository) Record(ctx context.Context, attempt domain.AccessAttempt) error {
	row := accessAttemptModel{
		AttemptID:   attempt.ID,
		SubjectID:   attempt.SubjectID,
		GuardianID:  attempt.GuardianID,
		Kind:        string(attempt.Kind),
		Outcome:     string(attempt.Outcome),
		Reason:      attempt.Reason,
		AttemptedAt: attempt.AttemptedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "access attempt")
}

func (r *accessAttemptRepository) CountFailed(ctx context.Context, subjectID uuid.UUID, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&accessAttemptModel{}).
		Where("subject_id = ? AND outcome = ?", subjectID, string(domain.OutcomeFailure)).
		Where("attempted_at >= ?", since).
		Count(&count).Error
	if err != nil {
		return 0, mapError(err, "access attempts")
	}
	return int(count), nil
}

type scheduledActionRepository struct {
	db *gorm.DB
}

func (r *scheduledActionRepository) Schedule(ctx context.Context, action domain.ScheduledAction) error {
	raw, err := json.Marshal(action.Action)
	if err != nil {
		return fmt.Errorf("encode scheduled action: %w", err)
	}
	row := scheduledActionModel{
		ActionID:   action.ID,
		SubjectID:  action.SubjectID,
		RuleID:     action.RuleID,
		RuleType:   string(action.RuleType),
		Action:     string(raw),
		Reason:     action.Reason,
		DueAt:      action.DueAt,
		ExecutedAt: action.ExecutedAt,
		CreatedAt:  action.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "scheduled action")
}

func (r *scheduledActionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledAction, error) {
	var rows []scheduledActionModel
	err := r.db.WithContext(ctx).
		Where("executed_at IS NULL AND due_at <= ?", now).
		Order("due_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapError(err, "scheduled actions")
	}
	out := make([]domain.ScheduledAction, 0, len(rows))
	for _, row := range rows {
		action, err := toDomainScheduledAction(row)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, nil
}

// MarkExecuted is the claim: only the caller that flips executed_at runs the action.
func (r *scheduledActionRepository) MarkExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&scheduledActionModel{}).
		Where("action_id = ? AND executed_at IS NULL", id).
		Update("executed_at", at)
	if res.Error != nil {
		return mapError(res.Error, "scheduled action")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: scheduled action already executed", domain.ErrConflict)
	}
	return nil
}
