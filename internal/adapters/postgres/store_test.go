package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewStore(db), mock
}

var subjectColumns = []string{
	"subject_id", "last_activity_at", "protocol_status", "required_confirmations", "is_enabled",
	"quorum_window_started_at", "activation_type", "activated_at", "version", "created_at", "updated_at",
}

func TestCompareAndSwapBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	subject := domain.NewSubject(uuid.New(), now, now)
	subject.Status = domain.StatusPending
	subject.QuorumWindowStartedAt = &now

	mock.ExpectExec(`UPDATE "protection_subjects" SET .* WHERE subject_id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.Repositories().Subjects.CompareAndSwap(context.Background(), subject, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapDistinguishesConflictFromMissing(t *testing.T) {
	cases := []struct {
		name    string
		count   int
		wantErr error
	}{
		{name: "stale version", count: 1, wantErr: domain.ErrConflict},
		{name: "missing subject", count: 0, wantErr: domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			subject := domain.NewSubject(uuid.New(), time.Now().UTC(), time.Now().UTC())

			mock.ExpectExec(`UPDATE "protection_subjects" SET`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT count\(\*\) FROM "protection_subjects"`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tc.count))

			_, err := store.Repositories().Subjects.CompareAndSwap(context.Background(), subject, 1)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetForUpdateLocksRow(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "protection_subjects" WHERE subject_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(subjectColumns).
			AddRow(id.String(), now, "inactive", 2, true, nil, "", nil, 3, now, now))

	got, err := store.Repositories().Subjects.GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 2, got.RequiredConfirmations)
	assert.Equal(t, int64(3), got.Version)
	assert.Nil(t, got.QuorumWindowStartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsMissingRowToNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "protection_subjects"`).
		WillReturnRows(sqlmock.NewRows(subjectColumns))

	_, err := store.Repositories().Subjects.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordTriggerOncePerCycle(t *testing.T) {
	store, mock := newMockStore(t)
	ruleID := uuid.New()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rules := store.Repositories().Rules

	mock.ExpectExec(`INSERT INTO "rule_evaluations" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "detection_rules" SET .*trigger_count.*trigger_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, rules.RecordTrigger(context.Background(), ruleID, "cycle-1", at))

	mock.ExpectExec(`INSERT INTO "rule_evaluations" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := rules.RecordTrigger(context.Background(), ruleID, "cycle-1", at)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "audit_entries"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(repos ports.Repositories) error {
		if err := repos.Audit.Append(context.Background(), domain.AuditEntry{
			ID:        "01JNQ6Z7W0000000000000000",
			SubjectID: uuid.New(),
			Actor:     "system",
			Action:    domain.AuditProtocolPending,
			Outcome:   domain.OutcomeSuccess,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExecutedClaimsOnce(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	actions := store.Repositories().ScheduledActions

	mock.ExpectExec(`UPDATE "scheduled_actions" SET "executed_at"=\$1 WHERE action_id = \$2 AND executed_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, actions.MarkExecuted(context.Background(), id, time.Now().UTC()))

	mock.ExpectExec(`UPDATE "scheduled_actions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, actions.MarkExecuted(context.Background(), id, time.Now().UTC()), domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapErrorTranslatesDuplicateKey(t *testing.T) {
	assert.ErrorIs(t, mapError(gorm.ErrDuplicatedKey, "access grant"), domain.ErrConflict)
	assert.ErrorIs(t, mapError(gorm.ErrRecordNotFound, "access grant"), domain.ErrNotFound)
	assert.NoError(t, mapError(nil, "access grant"))
}
