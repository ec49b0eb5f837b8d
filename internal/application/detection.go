package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const cycleLockKey = "evaluation-cycle"

// NewCycleID returns a unique, time ordered evaluation cycle id.
func NewCycleID() string {
	return ulid.Make().String()
}

// RunEvaluationCycle evaluates every enabled subject's rules once. A rule fires at
// most once per cycleID, so replaying a cycle is harmless. Concurrent cycles are
// refused with ErrConflict.
func (s *Service) RunEvaluationCycle(ctx context.Context, cycleID string) (report CycleReport, err error) {
	ctx, done := s.metrics.Track(ctx, "detection.run_cycle")
	defer func() { done(err) }()

	if cycleID == "" {
		cycleID = NewCycleID()
	}
	report = CycleReport{CycleID: cycleID, Triggered: []RuleOutcome{}, Outcomes: []RuleOutcome{}}

	if s.cycleLock != nil {
		release, acquired, lockErr := s.cycleLock.Acquire(ctx, cycleLockKey, s.cfg.CycleLockTTL)
		if lockErr != nil {
			return CycleReport{}, asInternal(fmt.Errorf("acquire cycle lock: %w", lockErr))
		}
		if !acquired {
			return CycleReport{}, fmt.Errorf("%w: an evaluation cycle is already running", domain.ErrConflict)
		}
		defer func() {
			if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
				s.logger.WarnContext(ctx, "cycle lock release failed",
					"operation", "run_evaluation_cycle",
					"outcome", "failure",
					"error", relErr,
				)
			}
		}()
	}

	afterID := uuid.Nil
	for {
		ids, err := s.store.Repositories().Subjects.ListEvaluable(ctx, afterID, s.cfg.CyclePageSize)
		if err != nil {
			return report, asInternal(err)
		}
		for _, id := range ids {
			outcomes, err := s.evaluateSubject(ctx, id, cycleID)
			if err != nil {
				report.Failures++
				s.logger.ErrorContext(ctx, "subject evaluation failed",
					"operation", "run_evaluation_cycle",
					"outcome", "failure",
					"subject_id", id,
					"error", err,
				)
				continue
			}
			report.SubjectsEvaluated++
			report.add(outcomes)
		}
		if len(ids) < s.cfg.CyclePageSize {
			break
		}
		afterID = ids[len(ids)-1]
	}

	s.logger.InfoContext(ctx, "evaluation cycle completed",
		"operation", "run_evaluation_cycle",
		"outcome", "success",
		"cycle_id", cycleID,
		"subjects_evaluated", report.SubjectsEvaluated,
		"rules_checked", report.RulesChecked,
		"rules_triggered", report.RulesTriggered,
		"actions_executed", report.ActionsExecuted,
	)
	return report, nil
}

func (r *CycleReport) add(outcomes []RuleOutcome) {
	for _, o := range outcomes {
		r.RulesChecked++
		if o.Fired && !o.AlreadyEvaluated {
			r.RulesTriggered++
			r.Triggered = append(r.Triggered, o)
		}
		if o.Error != "" {
			r.Failures++
		}
		r.ActionsExecuted += o.ActionsExecuted
		r.ActionsScheduled += o.ActionsScheduled
		r.Outcomes = append(r.Outcomes, o)
	}
}

// EvaluateSubject runs one subject's enabled rules on demand.
func (s *Service) EvaluateSubject(ctx context.Context, subjectID uuid.UUID, cycleID string) (outcomes []RuleOutcome, err error) {
	ctx, done := s.metrics.Track(ctx, "detection.evaluate_subject")
	defer func() { done(err) }()

	if cycleID == "" {
		cycleID = NewCycleID()
	}
	outcomes, err = s.evaluateSubject(ctx, subjectID, cycleID)
	return outcomes, asInternal(err)
}

func (s *Service) evaluateSubject(ctx context.Context, subjectID uuid.UUID, cycleID string) ([]RuleOutcome, error) {
	repos := s.store.Repositories()
	subject, err := repos.Subjects.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	outcomes := []RuleOutcome{}
	if !subject.IsEnabled {
		return outcomes, nil
	}
	rules, err := repos.Rules.ListEnabledBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		outcome, err := s.evaluateRule(ctx, subject, rule, cycleID)
		if err != nil {
			outcome.Error = err.Error()
			s.auditOutsideTx(ctx, auditSpec{
				subjectID:    subject.ID,
				actor:        actorDetection,
				action:       domain.AuditRuleEvaluationFailed,
				resourceType: domain.ResourceRule,
				resourceID:   rule.ID.String(),
				outcome:      domain.OutcomeFailure,
				metadata:     map[string]any{"cycle_id": cycleID, "error": err.Error()},
			})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) evaluateRule(ctx context.Context, subject domain.Subject, rule domain.Rule, cycleID string) (RuleOutcome, error) {
	outcome := RuleOutcome{RuleID: rule.ID, SubjectID: subject.ID, RuleType: rule.Type}

	signals, err := s.gatherSignals(ctx, subject, rule.Condition)
	if err != nil {
		return outcome, fmt.Errorf("gather signals: %w", err)
	}
	fired, reason := domain.Evaluate(rule.Condition, signals)
	if !fired {
		return outcome, nil
	}
	outcome.Fired = true
	outcome.Reason = reason

	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		if err := repos.Rules.RecordTrigger(ctx, rule.ID, cycleID, s.nowFn()); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subject.ID,
			actor:        actorDetection,
			action:       domain.AuditRuleTriggered,
			resourceType: domain.ResourceRule,
			resourceID:   rule.ID.String(),
			metadata: map[string]any{
				"cycle_id":  cycleID,
				"rule_type": string(rule.Type),
				"reason":    reason,
			},
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, repos, "guardian.rule.triggered", subject.ID, map[string]any{
			"rule_id":    rule.ID.String(),
			"subject_id": subject.ID.String(),
			"rule_type":  string(rule.Type),
			"cycle_id":   cycleID,
		})
	})
	if errors.Is(err, domain.ErrConflict) {
		outcome.AlreadyEvaluated = true
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}
	s.metrics.RecordRuleTriggered(ctx, string(rule.Type))

	var firstErr error
	for _, action := range domain.SortActions(rule.Actions) {
		res, err := s.Dispatch(ctx, DispatchRequest{
			SubjectID: subject.ID,
			RuleID:    rule.ID,
			RuleType:  rule.Type,
			Action:    action,
			Reason:    reason,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Scheduled {
			outcome.ActionsScheduled++
		}
		if res.Executed {
			outcome.ActionsExecuted++
		}
	}
	return outcome, firstErr
}

// gatherSignals loads only what the condition variant needs.
func (s *Service) gatherSignals(ctx context.Context, subject domain.Subject, condition domain.Condition) (domain.Signals, error) {
	repos := s.store.Repositories()
	now := s.nowFn()
	signals := domain.Signals{Now: now, LastActivityAt: subject.LastActivityAt}
	var err error
	switch condition.(type) {
	case domain.InactivityCondition:
	case domain.HealthCheckCondition:
		signals.MissedHealthChecks, err = repos.HealthChecks.CountMissed(ctx, subject.ID, now.Add(-domain.HealthCheckLookback), now)
	case domain.GuardianManualCondition:
		signals.ManualRequestsDelivered, err = repos.Notifications.CountDelivered(ctx, subject.ID, domain.NotifyActivationRequest, now.Add(-domain.ManualRequestLookback))
	case domain.SuspiciousActivityCondition:
		signals.FailedAccessAttempts, err = repos.AccessAttempts.CountFailed(ctx, subject.ID, now.Add(-domain.SuspiciousActivityLookback))
	default:
		err = fmt.Errorf("%w: unsupported condition %T", domain.ErrInvalidInput, condition)
	}
	return signals, err
}
