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

func TestCriticalShieldActionActivatesDirectly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3)
	ctx := context.Background()

	res, err := f.service.Dispatch(ctx, application.DispatchRequest{
		SubjectID: f.subjectID,
		RuleID:    uuid.New(),
		RuleType:  domain.RuleInactivity,
		Action:    domain.ResponseAction{Type: domain.ActionActivateShield, Priority: domain.PriorityCritical},
		Reason:    "inactive for 400 days",
	})
	if err != nil || !res.Executed {
		t.Fatalf("dispatch: %+v %v", res, err)
	}
	st := f.status(t)
	if st.ProtocolStatus != domain.StatusActive || st.ActivationType != domain.ActivationRuleTriggered {
		t.Fatalf("expected rule triggered activation, got %+v", st)
	}
	if n := f.notifier.count(domain.NotifyAccessGranted); n != len(f.guardians) {
		t.Fatalf("expected grants for every guardian, got %d", n)
	}
}

func TestNonCriticalShieldActionOpensEpisode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	ctx := context.Background()

	res, err := f.service.Dispatch(ctx, application.DispatchRequest{
		SubjectID: f.subjectID,
		RuleID:    uuid.New(),
		RuleType:  domain.RuleHealthCheck,
		Action:    domain.ResponseAction{Type: domain.ActionActivateShield, Priority: domain.PriorityHigh},
		Reason:    "missed check-ins",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Notified != len(f.guardians) {
		t.Fatalf("every guardian should be asked to confirm, got %d", res.Notified)
	}
	if st := f.status(t); st.ProtocolStatus != domain.StatusPending || st.CurrentConfirmations != 0 {
		t.Fatalf("expected an open window with no confirmations, got %+v", st)
	}

	// The window is already open; a second action must not re-notify.
	res, err = f.service.Dispatch(ctx, application.DispatchRequest{
		SubjectID: f.subjectID,
		RuleType:  domain.RuleHealthCheck,
		Action:    domain.ResponseAction{Type: domain.ActionActivateShield},
	})
	if err != nil || res.Notified != 0 {
		t.Fatalf("second dispatch: %+v %v", res, err)
	}

	f.submit(t, 0)
	if res := f.submit(t, 1); !res.ProtocolActivated {
		t.Fatalf("guardians confirming the opened window should activate it")
	}
}

func TestDelayedActionRunsWhenDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	ctx := context.Background()

	res, err := f.service.Dispatch(ctx, application.DispatchRequest{
		SubjectID: f.subjectID,
		RuleID:    uuid.New(),
		RuleType:  domain.RuleInactivity,
		Action:    domain.ResponseAction{Type: domain.ActionNotifyGuardians, DelayMinutes: 60},
	})
	if err != nil || !res.Scheduled || res.Executed {
		t.Fatalf("expected scheduled action, got %+v %v", res, err)
	}
	if n := f.notifier.count(domain.NotifyRuleTriggered); n != 0 {
		t.Fatalf("delayed action must not run immediately, sent %d", n)
	}

	executed, err := f.service.RunDueActions(ctx)
	if err != nil || executed != 0 {
		t.Fatalf("nothing due yet: %d %v", executed, err)
	}

	f.clock.Advance(61 * time.Minute)
	executed, err = f.service.RunDueActions(ctx)
	if err != nil || executed != 1 {
		t.Fatalf("expected one due action, got %d %v", executed, err)
	}
	alerts := f.notifier.find(f.guardians[0].ID, domain.NotifyRuleTriggered)
	if len(alerts) != 1 || alerts[0].Priority != domain.PriorityHigh {
		t.Fatalf("expected inactivity default priority high, got %+v", alerts)
	}

	executed, err = f.service.RunDueActions(ctx)
	if err != nil || executed != 0 {
		t.Fatalf("action must run once: %d %v", executed, err)
	}
	if got := f.auditCount(t, domain.AuditActionScheduled); got != 1 {
		t.Fatalf("expected scheduling audit entry, got %d", got)
	}
}

func TestDefaultInactivityRuleEscalatesAfterDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2, withInactivity(181*day))
	ctx := context.Background()

	report, err := f.service.RunEvaluationCycle(ctx, "cycle-a")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.ActionsExecuted != 1 || report.ActionsScheduled != 1 {
		t.Fatalf("expected notify now and shield later, got %+v", report)
	}
	if st := f.status(t); st.ProtocolStatus != domain.StatusInactive {
		t.Fatalf("shield must wait for its delay, got %s", st.ProtocolStatus)
	}

	f.clock.Advance(day)
	if _, err := f.service.RunDueActions(ctx); err != nil {
		t.Fatalf("run due actions: %v", err)
	}
	if st := f.status(t); st.ProtocolStatus != domain.StatusPending {
		t.Fatalf("high priority shield should open a confirmation window, got %s", st.ProtocolStatus)
	}
	if n := f.notifier.count(domain.NotifyConfirmationRequest); n != len(f.guardians) {
		t.Fatalf("expected confirmation requests for every guardian, got %d", n)
	}
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	_, err := f.service.Dispatch(context.Background(), application.DispatchRequest{
		SubjectID: f.subjectID,
		Action:    domain.ResponseAction{Type: "delete_everything"},
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if got := f.auditCount(t, domain.AuditActionFailed); got != 1 {
		t.Fatalf("failed dispatch should be audited, got %d", got)
	}
}

func TestRecordRequiresActorAndAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()
	if err := f.service.Record(ctx, domain.AuditEntry{SubjectID: f.subjectID}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	err := f.service.Record(ctx, domain.AuditEntry{
		SubjectID: f.subjectID,
		Actor:     "admin:test",
		Action:    "export.requested",
		Outcome:   domain.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := f.auditCount(t, "export.requested"); got != 1 {
		t.Fatalf("expected recorded entry, got %d", got)
	}
}
