package postgres

import (
	"context"

	"github.com/viralforge/guardian-activation/internal/ports"
	"gorm.io/gorm"
)

// Store binds the repositories to a GORM handle. Inside WithinTx every
// repository shares the transaction handle.
type Store struct {
	db *gorm.DB
}

var _ ports.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Repositories() ports.Repositories {
	return newRepositories(s.db)
}

func (s *Store) WithinTx(ctx context.Context, fn func(repos ports.Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(newRepositories(tx))
	})
}

func newRepositories(db *gorm.DB) ports.Repositories {
	return ports.Repositories{
		Subjects:         &subjectRepository{db: db},
		Requests:         &activationRequestRepository{db: db},
		Grants:           &grantRepository{db: db},
		Rules:            &ruleRepository{db: db},
		Audit:            &auditRepository{db: db},
		Notifications:    &notificationLogRepository{db: db},
		HealthChecks:     &healthCheckRepository{db: db},
		AccessAttempts:   &accessAttemptRepository{db: db},
		ScheduledActions: &scheduledActionRepository{db: db},
		Outbox:           &outboxRepository{db: db},
	}
}
