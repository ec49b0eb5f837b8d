package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"gorm.io/gorm"
)

type activationRequestRepository struct {
	db *gorm.DB
}

func (r *activationRequestRepository) Create(ctx context.Context, req domain.ActivationRequest) error {
	row := activationRequestModel{
		RequestID:          req.ID,
		SubjectID:          req.SubjectID,
		GuardianID:         req.GuardianID,
		Status:             string(req.Status),
		TokenHash:          req.TokenHash,
		TokenExpiresAt:     req.TokenExpiresAt,
		VerificationMethod: req.VerificationMethod,
		Notes:              req.Notes,
		ActivationType:     string(req.Type),
		CreatedAt:          req.CreatedAt,
		UpdatedAt:          req.UpdatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "activation request")
}

func (r *activationRequestRepository) ListBySubjectStatus(ctx context.Context, subjectID uuid.UUID, status domain.RequestStatus) ([]domain.ActivationRequest, error) {
	var rows []activationRequestModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND status = ?", subjectID, string(status)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapError(err, "activation requests")
	}
	out := make([]domain.ActivationRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainRequest(row))
	}
	return out, nil
}

func (r *activationRequestRepository) GetByTokenHash(ctx context.Context, tokenHash string) (domain.ActivationRequest, error) {
	var row activationRequestModel
	if err := r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&row).Error; err != nil {
		return domain.ActivationRequest{}, mapError(err, "activation request")
	}
	return toDomainRequest(row), nil
}

func (r *activationRequestRepository) UpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.RequestStatus, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&activationRequestModel{}).
		Where("request_id IN ?", ids).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": at,
		}).Error
	return mapError(err, "activation requests")
}

func (r *activationRequestRepository) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&activationRequestModel{}).
		Where("status = ?", string(domain.RequestPending)).
		Where("token_expires_at <= ?", now).
		Updates(map[string]any{
			"status":     string(domain.RequestExpired),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, mapError(res.Error, "activation requests")
	}
	return int(res.RowsAffected), nil
}

func (r *activationRequestRepository) CountPending(ctx context.Context) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&activationRequestModel{}).
		Where("status = ?", string(domain.RequestPending)).
		Count(&count).Error
	if err != nil {
		return 0, mapError(err, "activation requests")
	}
	return int(count), nil
}
