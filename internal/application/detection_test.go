package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/viralforge/guardian-activation/internal/adapters/memory"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
)

const day = 24 * time.Hour

func upsertRule(t *testing.T, f *fixture, doc string) application.RuleView {
	t.Helper()
	view, err := f.service.UpsertRule(context.Background(), f.subjectID, []byte(doc), "admin:test")
	if err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	return view
}

func ruleOf(t *testing.T, f *fixture, typ domain.RuleType) application.RuleView {
	t.Helper()
	rules, err := f.service.ListRules(context.Background(), f.subjectID)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	for _, r := range rules {
		if r.RuleType == typ {
			return r
		}
	}
	t.Fatalf("rule %s not found", typ)
	return application.RuleView{}
}

func TestInactivityRuleFiresOncePerCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2, withInactivity(31*day))
	ctx := context.Background()
	upsertRule(t, f, `{
		"rule_type": "inactivity",
		"trigger_conditions": {"type": "time_based", "threshold_days": 30},
		"response_actions": [{"type": "notify_guardians", "priority": "high"}]
	}`)

	report, err := f.service.RunEvaluationCycle(ctx, "cycle-1")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.SubjectsEvaluated != 1 || report.RulesTriggered != 1 || report.ActionsExecuted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Triggered) != 1 || report.Triggered[0].RuleType != domain.RuleInactivity || report.Triggered[0].SubjectID != f.subjectID {
		t.Fatalf("triggered list should name the fired rule, got %+v", report.Triggered)
	}
	for _, g := range f.guardians {
		alerts := f.notifier.find(g.ID, domain.NotifyRuleTriggered)
		if len(alerts) != 1 || alerts[0].Priority != domain.PriorityHigh {
			t.Fatalf("guardian %s expected one high priority alert, got %+v", g.Name, alerts)
		}
	}

	replay, err := f.service.RunEvaluationCycle(ctx, "cycle-1")
	if err != nil {
		t.Fatalf("replay cycle: %v", err)
	}
	if replay.RulesTriggered != 0 || len(replay.Triggered) != 0 {
		t.Fatalf("replayed cycle must not fire again: %+v", replay)
	}
	if got := ruleOf(t, f, domain.RuleInactivity).TriggerCount; got != 1 {
		t.Fatalf("expected trigger_count 1 after replay, got %d", got)
	}

	if _, err := f.service.RunEvaluationCycle(ctx, "cycle-2"); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	rule := ruleOf(t, f, domain.RuleInactivity)
	if rule.TriggerCount != 2 || rule.LastTriggeredAt == nil {
		t.Fatalf("expected trigger_count 2 with last_triggered_at, got %+v", rule)
	}
	if got := f.auditCount(t, domain.AuditRuleTriggered); got != 2 {
		t.Fatalf("expected two rule.triggered entries, got %d", got)
	}
}

func TestInactivityBelowThresholdDoesNotFire(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1, withInactivity(29*day))
	upsertRule(t, f, `{"rule_type":"inactivity","trigger_conditions":{"type":"time_based","threshold_days":30},"response_actions":[{"type":"notify_guardians"}]}`)

	report, err := f.service.RunEvaluationCycle(context.Background(), "")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.CycleID == "" {
		t.Fatalf("a cycle id must be generated")
	}
	if report.RulesTriggered != 0 || report.RulesChecked != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Triggered == nil || len(report.Triggered) != 0 {
		t.Fatalf("triggered list should be empty, not absent: %#v", report.Triggered)
	}
}

func TestEvaluationCycleIsExclusive(t *testing.T) {
	t.Parallel()

	lock := memory.NewCycleLock()
	f := newFixture(t, 1, 1, withCycleLock(lock))
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "evaluation-cycle", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if _, err := f.service.RunEvaluationCycle(ctx, "c"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict while another cycle runs, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.service.RunEvaluationCycle(ctx, "c"); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
}

func TestSuspiciousActivityRuleCountsRejectedAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2, withoutTriggerRight(1))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := f.service.SubmitActivation(ctx, application.SubmitActivationRequest{
			SubjectID:  f.subjectID,
			GuardianID: f.guardians[1].ID,
		})
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("attempt %d: expected unauthorized, got %v", i, err)
		}
	}

	outcomes, err := f.service.EvaluateSubject(ctx, f.subjectID, "cycle-s")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	fired := 0
	for _, o := range outcomes {
		if o.Fired {
			fired++
			if o.RuleType != domain.RuleSuspiciousActivity || o.ActionsExecuted != 2 {
				t.Fatalf("unexpected outcome: %+v", o)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected only the suspicious activity rule to fire, got %d", fired)
	}
	if got := f.auditCount(t, domain.AuditActionExecuted); got != 1 {
		t.Fatalf("create_audit_log should write one entry, got %d", got)
	}
	if n := len(f.notifier.find(f.guardians[0].ID, domain.NotifyRuleTriggered)); n != 1 {
		t.Fatalf("eligible guardian should be alerted once, got %d", n)
	}
}

func TestHealthCheckRuleCountsMissedCheckIns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := f.service.RecordHealthCheck(ctx, application.HealthCheckInput{
			SubjectID:   f.subjectID,
			CheckType:   "weekly",
			Responded:   false,
			ScheduledAt: epoch.Add(-time.Duration(i+1) * day),
		})
		if err != nil {
			t.Fatalf("record health check: %v", err)
		}
	}
	// Outside the seven day look-back.
	if err := f.service.RecordHealthCheck(ctx, application.HealthCheckInput{SubjectID: f.subjectID, ScheduledAt: epoch.Add(-10 * day)}); err != nil {
		t.Fatalf("record old health check: %v", err)
	}

	outcomes, err := f.service.EvaluateSubject(ctx, f.subjectID, "cycle-h")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, o := range outcomes {
		if o.RuleType == domain.RuleHealthCheck && !o.Fired {
			t.Fatalf("health check rule should fire on 3 missed check-ins")
		}
	}
}

func TestGuardianManualRuleCountsDeliveredRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 3)
	ctx := context.Background()
	upsertRule(t, f, `{"rule_type":"guardian_manual","trigger_conditions":{"type":"activity_based","threshold_count":2},"response_actions":[{"type":"create_audit_log","priority":"urgent"}]}`)

	f.submit(t, 0)
	outcomes, err := f.service.EvaluateSubject(ctx, f.subjectID, "cycle-m")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	found := false
	for _, o := range outcomes {
		if o.RuleType == domain.RuleGuardianManual {
			found = true
			if !o.Fired {
				t.Fatalf("two delivered activation requests should meet the threshold")
			}
		}
	}
	if !found {
		t.Fatalf("guardian_manual rule was not evaluated")
	}
}

func TestDisabledSubjectIsNotEvaluated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1, withInactivity(400*day))
	ctx := context.Background()
	disabled := false
	if _, err := f.service.UpdateSettings(ctx, f.subjectID, application.SettingsUpdate{IsEnabled: &disabled}, "admin:test"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	report, err := f.service.RunEvaluationCycle(ctx, "cycle-d")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.SubjectsEvaluated != 0 || report.RulesTriggered != 0 {
		t.Fatalf("disabled subject must be skipped: %+v", report)
	}
}
