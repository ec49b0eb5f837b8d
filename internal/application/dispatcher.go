package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

// Record appends an audit entry outside any other unit of work.
func (s *Service) Record(ctx context.Context, entry domain.AuditEntry) error {
	if entry.Action == "" || entry.Actor == "" {
		return fmt.Errorf("%w: audit entry requires actor and action", domain.ErrInvalidInput)
	}
	if err := s.appendAudit(ctx, s.store.Repositories(), auditSpec{
		subjectID:    entry.SubjectID,
		actor:        entry.Actor,
		action:       entry.Action,
		resourceType: entry.ResourceType,
		resourceID:   entry.ResourceID,
		outcome:      entry.Outcome,
		metadata:     entry.Metadata,
	}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return nil
}

// Dispatch executes one rule response action, or queues it when it carries a delay.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (result DispatchResult, err error) {
	ctx, done := s.metrics.Track(ctx, "dispatcher.dispatch")
	defer func() {
		if err != nil {
			s.auditOutsideTx(ctx, auditSpec{
				subjectID:    req.SubjectID,
				actor:        actorDetection,
				action:       domain.AuditActionFailed,
				resourceType: domain.ResourceRule,
				resourceID:   req.RuleID.String(),
				outcome:      domain.OutcomeFailure,
				metadata: map[string]any{
					"action": string(req.Action.Type),
					"error":  err.Error(),
				},
			})
		}
		done(err)
	}()

	if err := req.Action.Validate(); err != nil {
		return DispatchResult{}, err
	}
	if req.Action.Priority == "" {
		req.Action.Priority = domain.DefaultPriorityFor(req.RuleType)
	}

	if delay := req.Action.Delay(); delay > 0 && !req.Deferred {
		return s.scheduleAction(ctx, req)
	}

	switch req.Action.Type {
	case domain.ActionNotifyGuardians:
		sent := s.notifyOtherGuardians(ctx, req.SubjectID, uuid.Nil, domain.Notification{
			Type:     domain.NotifyRuleTriggered,
			Title:    "Emergency protection alert",
			Body:     fmt.Sprintf("A %s rule fired for the person you protect: %s.", req.RuleType, req.Reason),
			Priority: req.Action.Priority,
			Metadata: map[string]string{"rule_id": req.RuleID.String(), "rule_type": string(req.RuleType)},
		})
		result = DispatchResult{Executed: true, Notified: sent}
	case domain.ActionCreateAuditLog:
		if err := s.Record(ctx, domain.AuditEntry{
			SubjectID:    req.SubjectID,
			Actor:        actorDetection,
			Action:       domain.AuditActionExecuted,
			ResourceType: domain.ResourceRule,
			ResourceID:   req.RuleID.String(),
			Outcome:      domain.OutcomeSuccess,
			Metadata: map[string]any{
				"action":    string(req.Action.Type),
				"rule_type": string(req.RuleType),
				"reason":    req.Reason,
				"priority":  string(req.Action.Priority),
			},
		}); err != nil {
			return DispatchResult{}, err
		}
		result = DispatchResult{Executed: true}
	case domain.ActionActivateShield:
		if req.Action.Priority == domain.PriorityCritical {
			if _, err := s.ActivateDirect(ctx, req.SubjectID, req.RuleID, req.Reason); err != nil {
				return DispatchResult{}, err
			}
			return DispatchResult{Executed: true}, nil
		}
		opened, err := s.OpenEpisode(ctx, req.SubjectID)
		if err != nil {
			return DispatchResult{}, err
		}
		result = DispatchResult{Executed: true}
		if opened {
			result.Notified = s.notifyOtherGuardians(ctx, req.SubjectID, uuid.Nil, domain.Notification{
				Type:     domain.NotifyConfirmationRequest,
				Title:    "Please confirm emergency activation",
				Body:     fmt.Sprintf("Automatic detection flagged a possible emergency (%s). Submit an activation request to confirm.", req.Reason),
				Priority: req.Action.Priority,
				Metadata: map[string]string{"rule_id": req.RuleID.String(), "rule_type": string(req.RuleType)},
			})
		}
	default:
		return DispatchResult{}, fmt.Errorf("%w: unsupported action %q", domain.ErrInvalidInput, req.Action.Type)
	}
	return result, nil
}

func (s *Service) scheduleAction(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	now := s.nowFn()
	scheduled := domain.ScheduledAction{
		ID:        uuid.New(),
		SubjectID: req.SubjectID,
		RuleID:    req.RuleID,
		RuleType:  req.RuleType,
		Action:    req.Action,
		Reason:    req.Reason,
		DueAt:     now.Add(req.Action.Delay()),
		CreatedAt: now,
	}
	err := s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		if err := repos.ScheduledActions.Schedule(ctx, scheduled); err != nil {
			return err
		}
		return s.appendAudit(ctx, repos, auditSpec{
			subjectID:    req.SubjectID,
			actor:        actorDetection,
			action:       domain.AuditActionScheduled,
			resourceType: domain.ResourceScheduledAction,
			resourceID:   scheduled.ID.String(),
			metadata: map[string]any{
				"action": string(req.Action.Type),
				"due_at": scheduled.DueAt.Format(timeLayout),
			},
		})
	})
	if err != nil {
		return DispatchResult{}, asInternal(err)
	}
	return DispatchResult{Scheduled: true}, nil
}

// RunDueActions executes delayed actions whose time has come. Each action is
// claimed before it runs so it executes at most once.
func (s *Service) RunDueActions(ctx context.Context) (executed int, err error) {
	ctx, done := s.metrics.Track(ctx, "dispatcher.run_due_actions")
	defer func() { done(err) }()

	repos := s.store.Repositories()
	due, err := repos.ScheduledActions.ListDue(ctx, s.nowFn(), s.cfg.ScheduledBatchSize)
	if err != nil {
		return 0, asInternal(err)
	}
	for _, action := range due {
		if err := repos.ScheduledActions.MarkExecuted(ctx, action.ID, s.nowFn()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return executed, asInternal(err)
		}
		if _, err := s.Dispatch(ctx, DispatchRequest{
			SubjectID: action.SubjectID,
			RuleID:    action.RuleID,
			RuleType:  action.RuleType,
			Action:    action.Action,
			Reason:    action.Reason,
			Deferred:  true,
		}); err != nil {
			s.logger.WarnContext(ctx, "scheduled action failed",
				"operation", "run_due_actions",
				"outcome", "failure",
				"scheduled_action_id", action.ID,
				"error", err,
			)
			continue
		}
		executed++
	}
	return executed, nil
}
