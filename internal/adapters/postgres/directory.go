package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
	"gorm.io/gorm"
)

// Directory reads the guardians table. It never writes.
type Directory struct {
	db *gorm.DB
}

var _ ports.GuardianDirectory = (*Directory)(nil)

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Get(ctx context.Context, id uuid.UUID) (domain.Guardian, error) {
	var row guardianModel
	if err := d.db.WithContext(ctx).Where("guardian_id = ?", id).Take(&row).Error; err != nil {
		return domain.Guardian{}, mapError(err, "guardian")
	}
	return toDomainGuardian(row)
}

func (d *Directory) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Guardian, error) {
	var rows []guardianModel
	err := d.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("priority ASC, guardian_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapError(err, "guardians")
	}
	out := make([]domain.Guardian, 0, len(rows))
	for _, row := range rows {
		g, err := toDomainGuardian(row)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
