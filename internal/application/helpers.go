package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/oklog/ulid/v2"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const timeLayout = time.RFC3339

const (
	actorDetection = "system:detection"
	actorScheduler = "system:scheduler"
	actorIssuer    = "system:issuer"
)

func guardianActor(id uuid.UUID) string {
	return "guardian:" + id.String()
}

// hashSecret derives the lookup digest stored in place of a bearer secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// asInternal keeps classified domain errors and folds everything else into ErrInternal.
func asInternal(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrNotFound,
		domain.ErrUnauthorized,
		domain.ErrInvalidInput,
		domain.ErrConflict,
		domain.ErrExpired,
		domain.ErrRevoked,
		domain.ErrRateLimited,
		domain.ErrInternal,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrInternal, err)
}

// AuditDigest is the SHA-256 of the entry's RFC 8785 canonical JSON form.
func AuditDigest(e domain.AuditEntry) (string, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{
		"id":            e.ID,
		"subject_id":    e.SubjectID.String(),
		"actor":         e.Actor,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"outcome":       string(e.Outcome),
		"metadata":      metadata,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type auditSpec struct {
	subjectID    uuid.UUID
	actor        string
	action       string
	resourceType string
	resourceID   string
	outcome      domain.Outcome
	metadata     map[string]any
}

func (s *Service) appendAudit(ctx context.Context, repos ports.Repositories, spec auditSpec) error {
	// Stored timestamps keep microseconds; the digest must survive the round trip.
	now := s.nowFn().Truncate(time.Microsecond)
	outcome := spec.outcome
	if outcome == "" {
		outcome = domain.OutcomeSuccess
	}
	entry := domain.AuditEntry{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SubjectID:    spec.subjectID,
		Actor:        spec.actor,
		Action:       spec.action,
		ResourceType: spec.resourceType,
		ResourceID:   spec.resourceID,
		Outcome:      outcome,
		Metadata:     spec.metadata,
		CreatedAt:    now,
	}
	digest, err := AuditDigest(entry)
	if err != nil {
		return err
	}
	entry.Digest = digest
	if err := repos.Audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry %s: %w", spec.action, err)
	}
	return nil
}

// auditOutsideTx appends a best-effort entry for paths that have no transaction to
// ride on, such as rejected submissions and delivery failures.
func (s *Service) auditOutsideTx(ctx context.Context, spec auditSpec) {
	if err := s.appendAudit(ctx, s.store.Repositories(), spec); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"operation", "append_audit",
			"outcome", "failure",
			"action", spec.action,
			"error", err,
		)
	}
}

func (s *Service) enqueueEvent(ctx context.Context, repos ports.Repositories, eventType string, partitionKey uuid.UUID, payload map[string]any) error {
	now := s.nowFn()
	payload["occurred_at"] = now.Format(time.RFC3339Nano)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return repos.Outbox.Enqueue(ctx, ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    eventType,
		PartitionKey: partitionKey.String(),
		Payload:      raw,
		OccurredAt:   now,
	})
}

// transition moves the locked subject and persists it with a version check. at
// must be the unit of work's clock reading so the window anchor and the rows
// written alongside it agree.
func (s *Service) transition(ctx context.Context, repos ports.Repositories, subject domain.Subject, to domain.ProtocolStatus, reason domain.TransitionReason, actor string, at time.Time) (domain.Subject, error) {
	from := subject.Status
	next := subject
	if err := next.Transition(to, reason, at); err != nil {
		return domain.Subject{}, err
	}
	saved, err := repos.Subjects.CompareAndSwap(ctx, next, subject.Version)
	if err != nil {
		return domain.Subject{}, err
	}
	action := map[domain.ProtocolStatus]string{
		domain.StatusPending:  domain.AuditProtocolPending,
		domain.StatusActive:   domain.AuditProtocolActivated,
		domain.StatusInactive: domain.AuditProtocolReset,
	}[to]
	if reason == domain.ReasonWindowLapsed {
		action = domain.AuditProtocolExpired
	}
	if err := s.appendAudit(ctx, repos, auditSpec{
		subjectID:    saved.ID,
		actor:        actor,
		action:       action,
		resourceType: domain.ResourceSubject,
		resourceID:   saved.ID.String(),
		metadata: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": string(reason),
		},
	}); err != nil {
		return domain.Subject{}, err
	}
	if err := s.enqueueEvent(ctx, repos, "guardian.protocol."+string(to), saved.ID, map[string]any{
		"subject_id": saved.ID.String(),
		"from":       string(from),
		"to":         string(to),
		"reason":     string(reason),
	}); err != nil {
		return domain.Subject{}, err
	}
	s.metrics.RecordTransition(ctx, string(from), string(to))
	return saved, nil
}

// notify delivers n and records the attempt. Delivery failures are audited and
// never returned to the caller.
func (s *Service) notify(ctx context.Context, subjectID uuid.UUID, recipient domain.Guardian, n domain.Notification) bool {
	err := s.notifier.Notify(ctx, recipient, n)
	rec := domain.NotificationRecord{
		ID:         uuid.New(),
		SubjectID:  subjectID,
		GuardianID: recipient.ID,
		Type:       n.Type,
		Title:      n.Title,
		Priority:   n.Priority,
		Delivered:  err == nil,
		CreatedAt:  s.nowFn(),
	}
	if err != nil {
		rec.Error = err.Error()
		s.metrics.RecordNotificationFailure(ctx, string(n.Type))
		s.logger.WarnContext(ctx, "notification delivery failed",
			"operation", "notify_guardian",
			"outcome", "failure",
			"subject_id", subjectID,
			"guardian_id", recipient.ID,
			"notification_type", n.Type,
			"error", err,
		)
		s.auditOutsideTx(ctx, auditSpec{
			subjectID:    subjectID,
			actor:        actorIssuer,
			action:       domain.AuditNotificationFailed,
			resourceType: domain.ResourceNotification,
			resourceID:   rec.ID.String(),
			outcome:      domain.OutcomeFailure,
			metadata: map[string]any{
				"guardian_id":       recipient.ID.String(),
				"notification_type": string(n.Type),
				"error":             err.Error(),
			},
		})
	}
	if recErr := s.store.Repositories().Notifications.Record(ctx, rec); recErr != nil {
		s.logger.ErrorContext(ctx, "notification record failed",
			"operation", "record_notification",
			"outcome", "failure",
			"subject_id", subjectID,
			"error", recErr,
		)
	}
	return err == nil
}

func (s *Service) recordAttempt(ctx context.Context, attempt domain.AccessAttempt) {
	attempt.ID = uuid.New()
	attempt.AttemptedAt = s.nowFn()
	if err := s.store.Repositories().AccessAttempts.Record(ctx, attempt); err != nil {
		s.logger.ErrorContext(ctx, "access attempt record failed",
			"operation", "record_access_attempt",
			"outcome", "failure",
			"subject_id", attempt.SubjectID,
			"error", err,
		)
	}
}
