package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const defaultAuditLimit = 100

// ExpireLapsedWindows closes pending episodes whose quorum window has passed and
// expires stale request tokens. Reads already apply expiry lazily; this keeps the
// stored state tidy.
func (s *Service) ExpireLapsedWindows(ctx context.Context) (report MaintenanceReport, err error) {
	ctx, done := s.metrics.Track(ctx, "maintenance.expire_lapsed_windows")
	defer func() { done(err) }()

	now := s.nowFn()
	candidates, err := s.store.Repositories().Subjects.ListPendingStartedBefore(ctx, now.Add(-s.cfg.QuorumWindow), s.cfg.ExpiryBatchSize)
	if err != nil {
		return report, asInternal(err)
	}
	for _, candidate := range candidates {
		lapsed := false
		err := s.store.WithinTx(ctx, func(repos ports.Repositories) error {
			subject, err := repos.Subjects.GetForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			at := s.nowFn()
			if !subject.WindowLapsed(at, s.cfg.QuorumWindow) {
				return nil
			}
			if _, err := s.lapseWindow(ctx, repos, subject, actorScheduler, at); err != nil {
				return err
			}
			lapsed = true
			return nil
		})
		if err != nil {
			return report, asInternal(err)
		}
		if lapsed {
			report.WindowsExpired++
		}
	}

	expired, err := s.store.Repositories().Requests.ExpireStale(ctx, now)
	if err != nil {
		return report, asInternal(err)
	}
	report.RequestsExpired = expired
	return report, nil
}

// InitializeSubject creates default protocol settings and rules for a subject.
// Calling it again returns the existing settings unchanged.
func (s *Service) InitializeSubject(ctx context.Context, subjectID uuid.UUID, lastActivityAt *time.Time) (view SubjectView, err error) {
	ctx, done := s.metrics.Track(ctx, "subjects.initialize")
	defer func() { done(err) }()

	if subjectID == uuid.Nil {
		return SubjectView{}, fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}
	existing, err := s.store.Repositories().Subjects.Get(ctx, subjectID)
	if err == nil {
		return toSubjectView(existing, false), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return SubjectView{}, asInternal(err)
	}

	now := s.nowFn()
	activity := now
	if lastActivityAt != nil {
		activity = lastActivityAt.UTC()
	}
	subject := domain.NewSubject(subjectID, activity, now)
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		if err := repos.Subjects.Create(ctx, subject); err != nil {
			return err
		}
		for _, rule := range domain.DefaultRules(subjectID, now) {
			if _, err := repos.Rules.Upsert(ctx, rule); err != nil {
				return err
			}
		}
		return s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subjectID,
			actor:        actorScheduler,
			action:       domain.AuditSubjectInitialized,
			resourceType: domain.ResourceSubject,
			resourceID:   subjectID.String(),
			metadata:     map[string]any{"required_confirmations": subject.RequiredConfirmations},
		})
	})
	if errors.Is(err, domain.ErrConflict) {
		existing, getErr := s.store.Repositories().Subjects.Get(ctx, subjectID)
		if getErr != nil {
			return SubjectView{}, asInternal(getErr)
		}
		return toSubjectView(existing, false), nil
	}
	if err != nil {
		return SubjectView{}, asInternal(err)
	}
	return toSubjectView(subject, true), nil
}

func toSubjectView(s domain.Subject, created bool) SubjectView {
	return SubjectView{
		SubjectID:             s.ID,
		ProtocolStatus:        s.Status,
		IsEnabled:             s.IsEnabled,
		RequiredConfirmations: s.RequiredConfirmations,
		LastActivityAt:        s.LastActivityAt,
		Created:               created,
	}
}

// UpdateSettings changes whether the protocol is enabled and how many distinct
// guardians must corroborate.
func (s *Service) UpdateSettings(ctx context.Context, subjectID uuid.UUID, update SettingsUpdate, actor string) (view SubjectView, err error) {
	ctx, done := s.metrics.Track(ctx, "subjects.update_settings")
	defer func() { done(err) }()

	if update.IsEnabled == nil && update.RequiredConfirmations == nil {
		return SubjectView{}, fmt.Errorf("%w: no settings supplied", domain.ErrInvalidInput)
	}
	if update.RequiredConfirmations != nil {
		if err := domain.ValidateRequiredConfirmations(*update.RequiredConfirmations); err != nil {
			return SubjectView{}, err
		}
	}
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, subjectID)
		if err != nil {
			return err
		}
		next := subject
		if update.IsEnabled != nil {
			next.IsEnabled = *update.IsEnabled
		}
		if update.RequiredConfirmations != nil {
			next.RequiredConfirmations = *update.RequiredConfirmations
		}
		next.UpdatedAt = s.nowFn()
		saved, err := repos.Subjects.CompareAndSwap(ctx, next, subject.Version)
		if err != nil {
			return err
		}
		view = toSubjectView(saved, false)
		return s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subjectID,
			actor:        actor,
			action:       domain.AuditSettingsUpdated,
			resourceType: domain.ResourceSubject,
			resourceID:   subjectID.String(),
			metadata: map[string]any{
				"is_enabled":             saved.IsEnabled,
				"required_confirmations": saved.RequiredConfirmations,
			},
		})
	})
	if err != nil {
		return SubjectView{}, asInternal(err)
	}
	return view, nil
}

// UpsertRule validates an owner rule document, decodes it into its typed
// condition and stores it under (subject, rule type).
func (s *Service) UpsertRule(ctx context.Context, subjectID uuid.UUID, raw []byte, actor string) (view RuleView, err error) {
	ctx, done := s.metrics.Track(ctx, "subjects.upsert_rule")
	defer func() { done(err) }()

	if s.rules != nil {
		if err := s.rules.Validate(raw); err != nil {
			return RuleView{}, err
		}
	}
	var doc RuleDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return RuleView{}, fmt.Errorf("%w: rule document: %v", domain.ErrInvalidInput, err)
	}
	condition, err := domain.DecodeCondition(doc.RuleType, doc.TriggerConditions)
	if err != nil {
		return RuleView{}, err
	}
	now := s.nowFn()
	rule := domain.Rule{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Type:      doc.RuleType,
		Condition: condition,
		Actions:   doc.ResponseActions,
		IsEnabled: doc.IsEnabled == nil || *doc.IsEnabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rule.Validate(); err != nil {
		return RuleView{}, err
	}

	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		if _, err := repos.Subjects.Get(ctx, subjectID); err != nil {
			return err
		}
		saved, err := repos.Rules.Upsert(ctx, rule)
		if err != nil {
			return err
		}
		view, err = toRuleView(saved)
		if err != nil {
			return err
		}
		return s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subjectID,
			actor:        actor,
			action:       domain.AuditRuleUpserted,
			resourceType: domain.ResourceRule,
			resourceID:   saved.ID.String(),
			metadata: map[string]any{
				"rule_type":  string(saved.Type),
				"is_enabled": saved.IsEnabled,
			},
		})
	})
	if err != nil {
		return RuleView{}, asInternal(err)
	}
	return view, nil
}

// ListRules returns a subject's rules in storage order.
func (s *Service) ListRules(ctx context.Context, subjectID uuid.UUID) ([]RuleView, error) {
	rules, err := s.store.Repositories().Rules.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, asInternal(err)
	}
	views := make([]RuleView, 0, len(rules))
	for _, r := range rules {
		v, err := toRuleView(r)
		if err != nil {
			return nil, asInternal(err)
		}
		views = append(views, v)
	}
	return views, nil
}

func toRuleView(r domain.Rule) (RuleView, error) {
	conditions, err := domain.EncodeCondition(r.Condition)
	if err != nil {
		return RuleView{}, err
	}
	actions := r.Actions
	if actions == nil {
		actions = []domain.ResponseAction{}
	}
	return RuleView{
		RuleID:            r.ID,
		SubjectID:         r.SubjectID,
		RuleType:          r.Type,
		TriggerConditions: conditions,
		ResponseActions:   actions,
		IsEnabled:         r.IsEnabled,
		TriggerCount:      r.TriggerCount,
		LastTriggeredAt:   r.LastTriggeredAt,
	}, nil
}

// RecordHealthCheck stores a check-in result for the health_check rule.
func (s *Service) RecordHealthCheck(ctx context.Context, in HealthCheckInput) (err error) {
	ctx, done := s.metrics.Track(ctx, "subjects.record_health_check")
	defer func() { done(err) }()

	if in.SubjectID == uuid.Nil {
		return fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}
	checkType := strings.TrimSpace(in.CheckType)
	if checkType == "" {
		checkType = "check_in"
	}
	repos := s.store.Repositories()
	if _, err := repos.Subjects.Get(ctx, in.SubjectID); err != nil {
		return asInternal(err)
	}
	now := s.nowFn()
	scheduledAt := in.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return asInternal(repos.HealthChecks.Record(ctx, domain.HealthCheck{
		ID:          uuid.New(),
		SubjectID:   in.SubjectID,
		CheckType:   checkType,
		Responded:   in.Responded,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}))
}

// SendReminders nudges eligible guardians who have not yet corroborated the open
// quorum window. It returns how many reminders were delivered.
func (s *Service) SendReminders(ctx context.Context, subjectID uuid.UUID, reminder domain.ReminderType) (sent int, err error) {
	ctx, done := s.metrics.Track(ctx, "dispatcher.send_reminders")
	defer func() { done(err) }()

	repos := s.store.Repositories()
	subject, err := repos.Subjects.Get(ctx, subjectID)
	if err != nil {
		return 0, asInternal(err)
	}
	now := s.nowFn()
	if subject.EffectiveStatus(now, s.cfg.QuorumWindow) != domain.StatusPending {
		return 0, fmt.Errorf("%w: no open activation window", domain.ErrConflict)
	}
	pending, err := repos.Requests.ListBySubjectStatus(ctx, subjectID, domain.RequestPending)
	if err != nil {
		return 0, asInternal(err)
	}
	windowStart := *subject.QuorumWindowStartedAt
	submitted := map[uuid.UUID]struct{}{}
	for _, r := range domain.WindowRequests(pending, windowStart, now) {
		submitted[r.GuardianID] = struct{}{}
	}
	count := len(submitted)
	expiresAt := subject.WindowExpiresAt(s.cfg.QuorumWindow)

	guardians, err := s.guardians.ListBySubject(ctx, subjectID)
	if err != nil {
		return 0, asInternal(err)
	}
	for _, g := range domain.SortByPriority(guardians) {
		if !g.CanTrigger() {
			continue
		}
		if _, ok := submitted[g.ID]; ok {
			continue
		}
		if s.notify(ctx, subjectID, g, domain.Notification{
			Type:     domain.NotifyReminder,
			Title:    reminder.Label() + ": emergency activation pending",
			Body:     fmt.Sprintf("%d of %d confirmations received. The window closes at %s.", count, subject.RequiredConfirmations, expiresAt.Format(timeLayout)),
			Priority: reminder.Priority(),
			Metadata: map[string]string{"reminder_type": string(reminder)},
		}) {
			sent++
		}
	}
	return sent, nil
}

// SystemStatus summarizes protocol state across subjects.
func (s *Service) SystemStatus(ctx context.Context) (SystemStatus, error) {
	repos := s.store.Repositories()
	stats, err := repos.Subjects.Stats(ctx)
	if err != nil {
		return SystemStatus{}, asInternal(err)
	}
	pending, err := repos.Requests.CountPending(ctx)
	if err != nil {
		return SystemStatus{}, asInternal(err)
	}
	return SystemStatus{
		EnabledShields:     stats.Enabled,
		ActiveShields:      stats.Active,
		PendingActivations: stats.Pending,
		PendingRequests:    pending,
	}, nil
}

// ListAudit returns the subject's most recent audit entries with their digests
// re-verified.
func (s *Service) ListAudit(ctx context.Context, subjectID uuid.UUID, limit int) ([]AuditView, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultAuditLimit
	}
	entries, err := s.store.Repositories().Audit.ListBySubject(ctx, subjectID, limit)
	if err != nil {
		return nil, asInternal(err)
	}
	views := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		digest, err := AuditDigest(e)
		views = append(views, AuditView{
			ID:           e.ID,
			Actor:        e.Actor,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Outcome:      e.Outcome,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
			Digest:       e.Digest,
			Intact:       err == nil && digest == e.Digest,
		})
	}
	return views, nil
}
