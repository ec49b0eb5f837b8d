package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
)

// SubjectStats backs the system status view.
type SubjectStats struct {
	Enabled int
	Pending int
	Active  int
}

type SubjectRepository interface {
	// Create inserts a new subject; ErrConflict when it already exists.
	Create(ctx context.Context, subject domain.Subject) error
	Get(ctx context.Context, id uuid.UUID) (domain.Subject, error)
	// GetForUpdate reads the subject holding its row lock until the enclosing
	// transaction ends. Only meaningful inside Store.WithinTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Subject, error)
	// CompareAndSwap persists next if the stored version still equals expectedVersion
	// and returns the stored row with the bumped version. ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, next domain.Subject, expectedVersion int64) (domain.Subject, error)
	ListPendingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subject, error)
	// ListEvaluable pages through enabled subjects that have at least one enabled rule,
	// ordered by id.
	ListEvaluable(ctx context.Context, afterID uuid.UUID, limit int) ([]uuid.UUID, error)
	Stats(ctx context.Context) (SubjectStats, error)
}

type ActivationRequestRepository interface {
	Create(ctx context.Context, req domain.ActivationRequest) error
	ListBySubjectStatus(ctx context.Context, subjectID uuid.UUID, status domain.RequestStatus) ([]domain.ActivationRequest, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (domain.ActivationRequest, error)
	UpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.RequestStatus, at time.Time) error
	// ExpireStale marks pending requests whose token expired before now.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
}

type GrantRepository interface {
	// Create inserts a grant; ErrConflict if an unrevoked grant exists for the pair.
	Create(ctx context.Context, grant domain.AccessGrant) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.AccessGrant, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (domain.AccessGrant, error)
	// FindUnrevoked returns the pair's unrevoked grant or ErrNotFound.
	FindUnrevoked(ctx context.Context, subjectID, guardianID uuid.UUID) (domain.AccessGrant, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeAllForGuardian(ctx context.Context, subjectID, guardianID uuid.UUID, at time.Time) (int, error)
	RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) (int, error)
}

type RuleRepository interface {
	// Upsert stores the rule keyed by (subject, rule type). Trigger bookkeeping of an
	// existing rule is preserved.
	Upsert(ctx context.Context, rule domain.Rule) (domain.Rule, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Rule, error)
	ListEnabledBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Rule, error)
	// RecordTrigger writes the (rule, cycle) marker and bumps trigger_count and
	// last_triggered_at. ErrConflict when the rule already fired in cycleID.
	RecordTrigger(ctx context.Context, ruleID uuid.UUID, cycleID string, at time.Time) error
}

type AuditRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit int) ([]domain.AuditEntry, error)
}

type NotificationLogRepository interface {
	Record(ctx context.Context, rec domain.NotificationRecord) error
	CountDelivered(ctx context.Context, subjectID uuid.UUID, typ domain.NotificationType, since time.Time) (int, error)
}

type HealthCheckRepository interface {
	Record(ctx context.Context, check domain.HealthCheck) error
	CountMissed(ctx context.Context, subjectID uuid.UUID, since, until time.Time) (int, error)
}

type AccessAttemptRepository interface {
	Record(ctx context.Context, attempt domain.AccessAttempt) error
	CountFailed(ctx context.Context, subjectID uuid.UUID, since time.Time) (int, error)
}

type ScheduledActionRepository interface {
	Schedule(ctx context.Context, action domain.ScheduledAction) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledAction, error)
	// MarkExecuted claims the action; ErrConflict when it already ran.
	MarkExecuted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	Subjects         SubjectRepository
	Requests         ActivationRequestRepository
	Grants           GrantRepository
	Rules            RuleRepository
	Audit            AuditRepository
	Notifications    NotificationLogRepository
	HealthChecks     HealthCheckRepository
	AccessAttempts   AccessAttemptRepository
	ScheduledActions ScheduledActionRepository
	Outbox           OutboxRepository
}

// Store is the unit of work. fn runs with repositories bound to one transaction;
// any returned error rolls every write back.
type Store interface {
	Repositories() Repositories
	WithinTx(ctx context.Context, fn func(repos Repositories) error) error
}

// GuardianDirectory is the read-only view of the external guardian directory.
type GuardianDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Guardian, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]domain.Guardian, error)
}
