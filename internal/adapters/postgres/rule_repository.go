package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ruleRepository struct {
	db *gorm.DB
}

func (r *ruleRepository) Upsert(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	row, err := fromDomainRule(rule)
	if err != nil {
		return domain.Rule{}, err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "rule_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"trigger_conditions", "response_actions", "is_enabled", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return domain.Rule{}, mapError(err, "detection rule")
	}

	var stored detectionRuleModel
	err = r.db.WithContext(ctx).
		Where("subject_id = ? AND rule_type = ?", rule.SubjectID, string(rule.Type)).
		Take(&stored).Error
	if err != nil {
		return domain.Rule{}, mapError(err, "detection rule")
	}
	return toDomainRule(stored)
}

func (r *ruleRepository) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Rule, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("subject_id = ?", subjectID))
}

func (r *ruleRepository) ListEnabledBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Rule, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("subject_id = ? AND is_enabled", subjectID))
}

func (r *ruleRepository) list(_ context.Context, q *gorm.DB) ([]domain.Rule, error) {
	var rows []detectionRuleModel
	if err := q.Order("created_at ASC, rule_type ASC").Find(&rows).Error; err != nil {
		return nil, mapError(err, "detection rules")
	}
	out := make([]domain.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := toDomainRule(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// RecordTrigger inserts the (rule, cycle) marker first; the insert is a no-op
// when the rule already fired in this cycle.
func (r *ruleRepository) RecordTrigger(ctx context.Context, ruleID uuid.UUID, cycleID string, at time.Time) error {
	marker := ruleEvaluationModel{RuleID: ruleID, CycleID: cycleID, TriggeredAt: at}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&marker)
	if res.Error != nil {
		return mapError(res.Error, "rule evaluation")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: rule already triggered in cycle %s", domain.ErrConflict, cycleID)
	}

	upd := r.db.WithContext(ctx).
		Model(&detectionRuleModel{}).
		Where("rule_id = ?", ruleID).
		Updates(map[string]any{
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": at,
			"updated_at":        at,
		})
	if upd.Error != nil {
		return mapError(upd.Error, "detection rule")
	}
	if upd.RowsAffected == 0 {
		return fmt.Errorf("%w: detection rule", domain.ErrNotFound)
	}
	return nil
}
