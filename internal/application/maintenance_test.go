package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
)

func TestInitializeSubjectIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 2)
	ctx := context.Background()

	view, err := f.service.InitializeSubject(ctx, f.subjectID, nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if view.Created || view.RequiredConfirmations != 2 || !view.IsEnabled {
		t.Fatalf("existing settings must be returned unchanged, got %+v", view)
	}
	rules, err := f.service.ListRules(ctx, f.subjectID)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected three default rules, got %d", len(rules))
	}

	fresh, err := f.service.InitializeSubject(ctx, uuid.New(), nil)
	if err != nil {
		t.Fatalf("initialize fresh: %v", err)
	}
	if !fresh.Created || fresh.IsEnabled || fresh.RequiredConfirmations != 1 || fresh.ProtocolStatus != domain.StatusInactive {
		t.Fatalf("unexpected defaults: %+v", fresh)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()

	if _, err := f.service.UpdateSettings(ctx, f.subjectID, application.SettingsUpdate{}, "admin:test"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty update: expected invalid input, got %v", err)
	}
	zero := 0
	if _, err := f.service.UpdateSettings(ctx, f.subjectID, application.SettingsUpdate{RequiredConfirmations: &zero}, "admin:test"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("zero confirmations: expected invalid input, got %v", err)
	}
	enabled := true
	if _, err := f.service.UpdateSettings(ctx, uuid.New(), application.SettingsUpdate{IsEnabled: &enabled}, "admin:test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown subject: expected not found, got %v", err)
	}
}

func TestUpsertRuleRejectsMalformedDocuments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()

	cases := map[string]string{
		"not json":           `{`,
		"unknown rule type":  `{"rule_type":"lunar_phase","trigger_conditions":{}}`,
		"missing days":       `{"rule_type":"inactivity","trigger_conditions":{"type":"time_based"}}`,
		"wrong variant":      `{"rule_type":"inactivity","trigger_conditions":{"type":"activity_based","threshold_count":3}}`,
		"unknown action":     `{"rule_type":"health_check","trigger_conditions":{"type":"activity_based"},"response_actions":[{"type":"launch"}]}`,
		"negative delay":     `{"rule_type":"health_check","trigger_conditions":{},"response_actions":[{"type":"notify_guardians","delay_minutes":-1}]}`,
		"unknown priorities": `{"rule_type":"health_check","trigger_conditions":{},"response_actions":[{"type":"notify_guardians","priority":"meh"}]}`,
	}
	for name, doc := range cases {
		if _, err := f.service.UpsertRule(ctx, f.subjectID, []byte(doc), "admin:test"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}

	view, err := f.service.UpsertRule(ctx, f.subjectID, []byte(`{"rule_type":"suspicious_activity","trigger_conditions":{"type":"activity_based"},"is_enabled":false}`), "admin:test")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if view.IsEnabled || string(view.TriggerConditions) != `{"type":"activity_based","threshold_count":5}` {
		t.Fatalf("unexpected rule view: %+v (%s)", view, view.TriggerConditions)
	}
	if got := f.auditCount(t, domain.AuditRuleUpserted); got != 1 {
		t.Fatalf("expected one rule audit entry, got %d", got)
	}
}

func TestExpireLapsedWindows(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	ctx := context.Background()

	f.submit(t, 0)
	report, err := f.service.ExpireLapsedWindows(ctx)
	if err != nil || report.WindowsExpired != 0 {
		t.Fatalf("open window must not expire: %+v %v", report, err)
	}

	f.clock.Advance(24 * time.Hour)
	report, err = f.service.ExpireLapsedWindows(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.WindowsExpired != 1 {
		t.Fatalf("expected one lapsed window, got %+v", report)
	}
	subject, err := f.store.Repositories().Subjects.Get(ctx, f.subjectID)
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if subject.Status != domain.StatusInactive || subject.QuorumWindowStartedAt != nil {
		t.Fatalf("stored subject must be inactive, got %+v", subject)
	}
	pending, err := f.store.Repositories().Requests.CountPending(ctx)
	if err != nil || pending != 0 {
		t.Fatalf("lapsed requests must expire: %d %v", pending, err)
	}
}

func TestSendRemindersSkipsGuardiansWhoCorroborated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 3)
	ctx := context.Background()

	if _, err := f.service.SendReminders(ctx, f.subjectID, domain.ReminderFirst); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("no open window: expected conflict, got %v", err)
	}

	f.submit(t, 0)
	sent, err := f.service.SendReminders(ctx, f.subjectID, domain.ReminderFinal)
	if err != nil {
		t.Fatalf("send reminders: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected reminders for the two remaining guardians, got %d", sent)
	}
	if n := len(f.notifier.find(f.guardians[0].ID, domain.NotifyReminder)); n != 0 {
		t.Fatalf("guardian who already submitted must not be reminded")
	}
	reminder := f.notifier.find(f.guardians[1].ID, domain.NotifyReminder)[0]
	if reminder.Priority != domain.PriorityUrgent {
		t.Fatalf("final warning should be urgent, got %s", reminder.Priority)
	}
}

func TestSystemStatusCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	ctx := context.Background()
	f.submit(t, 0)

	st, err := f.service.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if st.EnabledShields != 1 || st.PendingActivations != 1 || st.ActiveShields != 0 || st.PendingRequests != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRecordHealthCheckUnknownSubject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	err := f.service.RecordHealthCheck(context.Background(), application.HealthCheckInput{SubjectID: uuid.New(), Responded: true})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
