package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type subjectRepository struct {
	db *gorm.DB
}

func (r *subjectRepository) Create(ctx context.Context, subject domain.Subject) error {
	row := fromDomainSubject(subject)
	row.Version = 1
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return mapError(res.Error, "protection subject")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: protection subject already exists", domain.ErrConflict)
	}
	return nil
}

func (r *subjectRepository) Get(ctx context.Context, id uuid.UUID) (domain.Subject, error) {
	var row subjectModel
	if err := r.db.WithContext(ctx).Where("subject_id = ?", id).Take(&row).Error; err != nil {
		return domain.Subject{}, mapError(err, "protection subject")
	}
	return toDomainSubject(row), nil
}

func (r *subjectRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Subject, error) {
	var row subjectModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("subject_id = ?", id).
		Take(&row).Error
	if err != nil {
		return domain.Subject{}, mapError(err, "protection subject")
	}
	return toDomainSubject(row), nil
}

func (r *subjectRepository) CompareAndSwap(ctx context.Context, next domain.Subject, expectedVersion int64) (domain.Subject, error) {
	res := r.db.WithContext(ctx).
		Model(&subjectModel{}).
		Where("subject_id = ? AND version = ?", next.ID, expectedVersion).
		Updates(map[string]any{
			"last_activity_at":         next.LastActivityAt,
			"protocol_status":          string(next.Status),
			"required_confirmations":   next.RequiredConfirmations,
			"is_enabled":               next.IsEnabled,
			"quorum_window_started_at": next.QuorumWindowStartedAt,
			"activation_type":          string(next.ActivationType),
			"activated_at":             next.ActivatedAt,
			"version":                  expectedVersion + 1,
			"updated_at":               next.UpdatedAt,
		})
	if res.Error != nil {
		return domain.Subject{}, mapError(res.Error, "protection subject")
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&subjectModel{}).Where("subject_id = ?", next.ID).Count(&count).Error; err != nil {
			return domain.Subject{}, mapError(err, "protection subject")
		}
		if count == 0 {
			return domain.Subject{}, fmt.Errorf("%w: protection subject", domain.ErrNotFound)
		}
		return domain.Subject{}, fmt.Errorf("%w: protection subject version changed", domain.ErrConflict)
	}
	next.Version = expectedVersion + 1
	return next, nil
}

func (r *subjectRepository) ListPendingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subject, error) {
	var rows []subjectModel
	err := r.db.WithContext(ctx).
		Where("protocol_status = ?", string(domain.StatusPending)).
		Where("quorum_window_started_at <= ?", cutoff).
		Order("quorum_window_started_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapError(err, "pending subjects")
	}
	out := make([]domain.Subject, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainSubject(row))
	}
	return out, nil
}

func (r *subjectRepository) ListEvaluable(ctx context.Context, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&subjectModel{}).
		Where("is_enabled = ?", true).
		Where("subject_id > ?", afterID).
		Where("EXISTS (SELECT 1 FROM detection_rules dr WHERE dr.subject_id = protection_subjects.subject_id AND dr.is_enabled)").
		Order("subject_id ASC").
		Limit(limit).
		Pluck("subject_id", &ids).Error
	if err != nil {
		return nil, mapError(err, "evaluable subjects")
	}
	return ids, nil
}

func (r *subjectRepository) Stats(ctx context.Context) (ports.SubjectStats, error) {
	var row struct {
		Enabled int
		Pending int
		Active  int
	}
	err := r.db.WithContext(ctx).Raw(`SELECT
		COUNT(*) FILTER (WHERE is_enabled) AS enabled,
		COUNT(*) FILTER (WHERE protocol_status = 'pending') AS pending,
		COUNT(*) FILTER (WHERE protocol_status = 'active') AS active
		FROM protection_subjects`).Scan(&row).Error
	if err != nil {
		return ports.SubjectStats{}, mapError(err, "subject stats")
	}
	return ports.SubjectStats{Enabled: row.Enabled, Pending: row.Pending, Active: row.Active}, nil
}
