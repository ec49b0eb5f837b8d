package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

type subjectRepository struct{ b *binding }

func (r *subjectRepository) Create(_ context.Context, subject domain.Subject) error {
	return r.b.with(func(st *state) error {
		if _, ok := st.subjects[subject.ID]; ok {
			return fmt.Errorf("%w: subject %s already exists", domain.ErrConflict, subject.ID)
		}
		subject.Version = 1
		st.subjects[subject.ID] = subject
		return nil
	})
}

func (r *subjectRepository) Get(_ context.Context, id uuid.UUID) (domain.Subject, error) {
	var out domain.Subject
	err := r.b.with(func(st *state) error {
		s, ok := st.subjects[id]
		if !ok {
			return fmt.Errorf("%w: subject %s", domain.ErrNotFound, id)
		}
		out = s
		return nil
	})
	return out, err
}

// GetForUpdate is Get: transactions are already serialized.
func (r *subjectRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Subject, error) {
	return r.Get(ctx, id)
}

func (r *subjectRepository) CompareAndSwap(_ context.Context, next domain.Subject, expectedVersion int64) (domain.Subject, error) {
	var out domain.Subject
	err := r.b.with(func(st *state) error {
		current, ok := st.subjects[next.ID]
		if !ok {
			return fmt.Errorf("%w: subject %s", domain.ErrNotFound, next.ID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: subject %s version %d, expected %d", domain.ErrConflict, next.ID, current.Version, expectedVersion)
		}
		next.Version = expectedVersion + 1
		next.CreatedAt = current.CreatedAt
		st.subjects[next.ID] = next
		out = next
		return nil
	})
	return out, err
}

func (r *subjectRepository) ListPendingStartedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Subject, error) {
	var out []domain.Subject
	err := r.b.with(func(st *state) error {
		for _, s := range st.subjects {
			if s.Status == domain.StatusPending && s.QuorumWindowStartedAt != nil && !s.QuorumWindowStartedAt.After(cutoff) {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QuorumWindowStartedAt.Before(*out[j].QuorumWindowStartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *subjectRepository) ListEvaluable(_ context.Context, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.b.with(func(st *state) error {
		hasRule := map[uuid.UUID]bool{}
		for _, rule := range st.rules {
			if rule.IsEnabled {
				hasRule[rule.SubjectID] = true
			}
		}
		for id, s := range st.subjects {
			if s.IsEnabled && hasRule[id] && bytes.Compare(id[:], afterID[:]) > 0 {
				out = append(out, id)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *subjectRepository) Stats(_ context.Context) (ports.SubjectStats, error) {
	var stats ports.SubjectStats
	err := r.b.with(func(st *state) error {
		for _, s := range st.subjects {
			if s.IsEnabled {
				stats.Enabled++
			}
			switch s.Status {
			case domain.StatusPending:
				stats.Pending++
			case domain.StatusActive:
				stats.Active++
			}
		}
		return nil
	})
	return stats, err
}

type requestRepository struct{ b *binding }

func (r *requestRepository) Create(_ context.Context, req domain.ActivationRequest) error {
	return r.b.with(func(st *state) error {
		if _, ok := st.requests[req.ID]; ok {
			return fmt.Errorf("%w: activation request %s already exists", domain.ErrConflict, req.ID)
		}
		st.requests[req.ID] = req
		return nil
	})
}

func (r *requestRepository) ListBySubjectStatus(_ context.Context, subjectID uuid.UUID, status domain.RequestStatus) ([]domain.ActivationRequest, error) {
	var out []domain.ActivationRequest
	err := r.b.with(func(st *state) error {
		for _, req := range st.requests {
			if req.SubjectID == subjectID && req.Status == status {
				out = append(out, req)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *requestRepository) GetByTokenHash(_ context.Context, tokenHash string) (domain.ActivationRequest, error) {
	var out domain.ActivationRequest
	err := r.b.with(func(st *state) error {
		for _, req := range st.requests {
			if req.TokenHash == tokenHash {
				out = req
				return nil
			}
		}
		return fmt.Errorf("%w: activation request", domain.ErrNotFound)
	})
	return out, err
}

func (r *requestRepository) UpdateStatus(_ context.Context, ids []uuid.UUID, status domain.RequestStatus, at time.Time) error {
	return r.b.with(func(st *state) error {
		for _, id := range ids {
			req, ok := st.requests[id]
			if !ok {
				return fmt.Errorf("%w: activation request %s", domain.ErrNotFound, id)
			}
			req.Status = status
			req.UpdatedAt = at
			st.requests[id] = req
		}
		return nil
	})
}

func (r *requestRepository) ExpireStale(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for id, req := range st.requests {
			if req.Status == domain.RequestPending && !now.Before(req.TokenExpiresAt) {
				req.Status = domain.RequestExpired
				req.UpdatedAt = now
				st.requests[id] = req
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *requestRepository) CountPending(_ context.Context) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for _, req := range st.requests {
			if req.Status == domain.RequestPending {
				n++
			}
		}
		return nil
	})
	return n, err
}

type grantRepository struct{ b *binding }

func (r *grantRepository) Create(_ context.Context, grant domain.AccessGrant) error {
	return r.b.with(func(st *state) error {
		for _, g := range st.grants {
			if g.SubjectID == grant.SubjectID && g.GuardianID == grant.GuardianID && !g.Revoked {
				return fmt.Errorf("%w: guardian %s already holds an unrevoked grant", domain.ErrConflict, grant.GuardianID)
			}
			if g.TokenHash == grant.TokenHash {
				return fmt.Errorf("%w: duplicate access token", domain.ErrConflict)
			}
		}
		st.grants[grant.ID] = grant
		return nil
	})
}

func (r *grantRepository) GetByID(_ context.Context, id uuid.UUID) (domain.AccessGrant, error) {
	var out domain.AccessGrant
	err := r.b.with(func(st *state) error {
		g, ok := st.grants[id]
		if !ok {
			return fmt.Errorf("%w: access grant %s", domain.ErrNotFound, id)
		}
		out = g
		return nil
	})
	return out, err
}

func (r *grantRepository) GetByTokenHash(_ context.Context, tokenHash string) (domain.AccessGrant, error) {
	var out domain.AccessGrant
	err := r.b.with(func(st *state) error {
		for _, g := range st.grants {
			if g.TokenHash == tokenHash {
				out = g
				return nil
			}
		}
		return fmt.Errorf("%w: access grant", domain.ErrNotFound)
	})
	return out, err
}

func (r *grantRepository) FindUnrevoked(_ context.Context, subjectID, guardianID uuid.UUID) (domain.AccessGrant, error) {
	var out domain.AccessGrant
	err := r.b.with(func(st *state) error {
		for _, g := range st.grants {
			if g.SubjectID == subjectID && g.GuardianID == guardianID && !g.Revoked {
				out = g
				return nil
			}
		}
		return fmt.Errorf("%w: unrevoked grant", domain.ErrNotFound)
	})
	return out, err
}

func (r *grantRepository) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.b.with(func(st *state) error {
		g, ok := st.grants[id]
		if !ok {
			return fmt.Errorf("%w: access grant %s", domain.ErrNotFound, id)
		}
		if g.Revoked {
			return nil
		}
		st.grants[id] = revoked(g, at)
		return nil
	})
}

func (r *grantRepository) RevokeAllForGuardian(_ context.Context, subjectID, guardianID uuid.UUID, at time.Time) (int, error) {
	return r.revokeWhere(func(g domain.AccessGrant) bool {
		return g.SubjectID == subjectID && g.GuardianID == guardianID
	}, at)
}

func (r *grantRepository) RevokeAllForSubject(_ context.Context, subjectID uuid.UUID, at time.Time) (int, error) {
	return r.revokeWhere(func(g domain.AccessGrant) bool { return g.SubjectID == subjectID }, at)
}

func (r *grantRepository) revokeWhere(match func(domain.AccessGrant) bool, at time.Time) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for id, g := range st.grants {
			if !g.Revoked && match(g) {
				st.grants[id] = revoked(g, at)
				n++
			}
		}
		return nil
	})
	return n, err
}

func revoked(g domain.AccessGrant, at time.Time) domain.AccessGrant {
	g.Revoked = true
	g.RevokedAt = &at
	return g
}

type ruleRepository struct{ b *binding }

func (r *ruleRepository) Upsert(_ context.Context, rule domain.Rule) (domain.Rule, error) {
	var out domain.Rule
	err := r.b.with(func(st *state) error {
		for id, existing := range st.rules {
			if existing.SubjectID == rule.SubjectID && existing.Type == rule.Type {
				existing.Condition = rule.Condition
				existing.Actions = slices.Clone(rule.Actions)
				existing.IsEnabled = rule.IsEnabled
				existing.UpdatedAt = rule.UpdatedAt
				st.rules[id] = existing
				out = existing
				return nil
			}
		}
		rule.Actions = slices.Clone(rule.Actions)
		st.rules[rule.ID] = rule
		out = rule
		return nil
	})
	return out, err
}

func (r *ruleRepository) ListBySubject(_ context.Context, subjectID uuid.UUID) ([]domain.Rule, error) {
	return r.list(subjectID, false)
}

func (r *ruleRepository) ListEnabledBySubject(_ context.Context, subjectID uuid.UUID) ([]domain.Rule, error) {
	return r.list(subjectID, true)
}

func (r *ruleRepository) list(subjectID uuid.UUID, enabledOnly bool) ([]domain.Rule, error) {
	var out []domain.Rule
	err := r.b.with(func(st *state) error {
		for _, rule := range st.rules {
			if rule.SubjectID == subjectID && (!enabledOnly || rule.IsEnabled) {
				out = append(out, rule)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Type < out[j].Type
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (r *ruleRepository) RecordTrigger(_ context.Context, ruleID uuid.UUID, cycleID string, at time.Time) error {
	return r.b.with(func(st *state) error {
		rule, ok := st.rules[ruleID]
		if !ok {
			return fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
		}
		key := ruleID.String() + "|" + cycleID
		if _, fired := st.ruleMarkers[key]; fired {
			return fmt.Errorf("%w: rule %s already fired in cycle %s", domain.ErrConflict, ruleID, cycleID)
		}
		st.ruleMarkers[key] = struct{}{}
		rule.TriggerCount++
		rule.LastTriggeredAt = &at
		st.rules[ruleID] = rule
		return nil
	})
}

type auditRepository struct{ b *binding }

func (r *auditRepository) Append(_ context.Context, entry domain.AuditEntry) error {
	return r.b.with(func(st *state) error {
		st.audit = append(st.audit, entry)
		return nil
	})
}

// ListBySubject returns the newest entries first.
func (r *auditRepository) ListBySubject(_ context.Context, subjectID uuid.UUID, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := r.b.with(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			if st.audit[i].SubjectID != subjectID {
				continue
			}
			out = append(out, st.audit[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

type notificationRepository struct{ b *binding }

func (r *notificationRepository) Record(_ context.Context, rec domain.NotificationRecord) error {
	return r.b.with(func(st *state) error {
		st.notifications = append(st.notifications, rec)
		return nil
	})
}

func (r *notificationRepository) CountDelivered(_ context.Context, subjectID uuid.UUID, typ domain.NotificationType, since time.Time) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for _, rec := range st.notifications {
			if rec.SubjectID == subjectID && rec.Type == typ && rec.Delivered && !rec.CreatedAt.Before(since) {
				n++
			}
		}
		return nil
	})
	return n, err
}

type healthCheckRepository struct{ b *binding }

func (r *healthCheckRepository) Record(_ context.Context, check domain.HealthCheck) error {
	return r.b.with(func(st *state) error {
		st.healthChecks = append(st.healthChecks, check)
		return nil
	})
}

func (r *healthCheckRepository) CountMissed(_ context.Context, subjectID uuid.UUID, since, until time.Time) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for _, c := range st.healthChecks {
			if c.SubjectID == subjectID && !c.Responded && !c.ScheduledAt.Before(since) && !c.ScheduledAt.After(until) {
				n++
			}
		}
		return nil
	})
	return n, err
}

type accessAttemptRepository struct{ b *binding }

func (r *accessAttemptRepository) Record(_ context.Context, attempt domain.AccessAttempt) error {
	return r.b.with(func(st *state) error {
		st.attempts = append(st.attempts, attempt)
		return nil
	})
}

func (r *accessAttemptRepository) CountFailed(_ context.Context, subjectID uuid.UUID, since time.Time) (int, error) {
	n := 0
	err := r.b.with(func(st *state) error {
		for _, a := range st.attempts {
			if a.SubjectID == subjectID && a.Outcome == domain.OutcomeFailure && !a.AttemptedAt.Before(since) {
				n++
			}
		}
		return nil
	})
	return n, err
}

type scheduledActionRepository struct{ b *binding }

func (r *scheduledActionRepository) Schedule(_ context.Context, action domain.ScheduledAction) error {
	return r.b.with(func(st *state) error {
		st.scheduled[action.ID] = action
		return nil
	})
}

func (r *scheduledActionRepository) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledAction, error) {
	var out []domain.ScheduledAction
	err := r.b.with(func(st *state) error {
		for _, a := range st.scheduled {
			if a.ExecutedAt == nil && !a.DueAt.After(now) {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *scheduledActionRepository) MarkExecuted(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.b.with(func(st *state) error {
		a, ok := st.scheduled[id]
		if !ok {
			return fmt.Errorf("%w: scheduled action %s", domain.ErrNotFound, id)
		}
		if a.ExecutedAt != nil {
			return fmt.Errorf("%w: scheduled action %s already executed", domain.ErrConflict, id)
		}
		a.ExecutedAt = &at
		st.scheduled[id] = a
		return nil
	})
}
