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

type grantRepository struct {
	db *gorm.DB
}

// Create relies on uq_grants_live_pair to reject a second unrevoked grant.
func (r *grantRepository) Create(ctx context.Context, grant domain.AccessGrant) error {
	perms, err := json.Marshal(grant.Permissions)
	if err != nil {
		return fmt.Errorf("encode grant permissions: %w", err)
	}
	row := accessGrantModel{
		GrantID:     grant.ID,
		SubjectID:   grant.SubjectID,
		GuardianID:  grant.GuardianID,
		TokenHash:   grant.TokenHash,
		CodeHash:    grant.CodeHash,
		Permissions: string(perms),
		IssuedAt:    grant.IssuedAt,
		ExpiresAt:   grant.ExpiresAt,
		Revoked:     grant.Revoked,
		RevokedAt:   grant.RevokedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&row).Error, "access grant")
}

func (r *grantRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.AccessGrant, error) {
	return r.take(ctx, "grant_id = ?", id)
}

func (r *grantRepository) GetByTokenHash(ctx context.Context, tokenHash string) (domain.AccessGrant, error) {
	return r.take(ctx, "token_hash = ?", tokenHash)
}

func (r *grantRepository) FindUnrevoked(ctx context.Context, subjectID, guardianID uuid.UUID) (domain.AccessGrant, error) {
	return r.take(ctx, "subject_id = ? AND guardian_id = ? AND revoked = false", subjectID, guardianID)
}

func (r *grantRepository) take(ctx context.Context, query string, args ...any) (domain.AccessGrant, error) {
	var row accessGrantModel
	if err := r.db.WithContext(ctx).Where(query, args...).Take(&row).Error; err != nil {
		return domain.AccessGrant{}, mapError(err, "access grant")
	}
	return toDomainGrant(row)
}

func (r *grantRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&accessGrantModel{}).
		Where("grant_id = ? AND revoked = false", id).
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": at,
		})
	if res.Error != nil {
		return mapError(res.Error, "access grant")
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// Already revoked is fine; a missing grant is not.
	var count int64
	if err := r.db.WithContext(ctx).Model(&accessGrantModel{}).Where("grant_id = ?", id).Count(&count).Error; err != nil {
		return mapError(err, "access grant")
	}
	if count == 0 {
		return fmt.Errorf("%w: access grant", domain.ErrNotFound)
	}
	return nil
}

func (r *grantRepository) RevokeAllForGuardian(ctx context.Context, subjectID, guardianID uuid.UUID, at time.Time) (int, error) {
	return r.revokeWhere(ctx, at, "subject_id = ? AND guardian_id = ?", subjectID, guardianID)
}

func (r *grantRepository) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) (int, error) {
	return r.revokeWhere(ctx, at, "subject_id = ?", subjectID)
}

func (r *grantRepository) revokeWhere(ctx context.Context, at time.Time, query string, args ...any) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&accessGrantModel{}).
		Where(query, args...).
		Where("revoked = false").
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": at,
		})
	if res.Error != nil {
		return 0, mapError(res.Error, "access grants")
	}
	return int(res.RowsAffected), nil
}
