package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const defaultVerificationMethod = "authenticated_session"

type grantDelivery struct {
	guardian domain.Guardian
	issued   domain.IssuedGrant
}

type submission struct {
	result            ActivationResult
	requestCreated    bool
	resubmitted       bool
	verificationToken string
	activated         bool
	deliveries        []grantDelivery
}

// SubmitActivation records a guardian's activation request and activates the
// protocol once enough distinct guardians corroborated inside the quorum window.
func (s *Service) SubmitActivation(ctx context.Context, req SubmitActivationRequest) (result ActivationResult, err error) {
	ctx, done := s.metrics.Track(ctx, "coordinator.submit_activation")
	defer func() { done(err) }()

	if req.SubjectID == uuid.Nil || req.GuardianID == uuid.Nil {
		return ActivationResult{}, fmt.Errorf("%w: subject_id and guardian_id are required", domain.ErrInvalidInput)
	}

	guardian, lookupErr := s.guardians.Get(ctx, req.GuardianID)
	switch {
	case errors.Is(lookupErr, domain.ErrNotFound):
		err = fmt.Errorf("%w: unknown guardian", domain.ErrUnauthorized)
	case lookupErr != nil:
		return ActivationResult{}, asInternal(lookupErr)
	default:
		err = guardian.AuthorizeActivation(req.SubjectID)
	}
	if err != nil {
		s.rejectSubmission(ctx, req, err)
		return ActivationResult{}, err
	}

	subject, err := s.store.Repositories().Subjects.Get(ctx, req.SubjectID)
	if errors.Is(err, domain.ErrNotFound) {
		return ActivationResult{}, fmt.Errorf("%w: protocol settings not found", domain.ErrNotFound)
	}
	if err != nil {
		return ActivationResult{}, asInternal(err)
	}
	if !subject.IsEnabled {
		return ActivationResult{}, fmt.Errorf("%w: protocol is not enabled for subject", domain.ErrNotFound)
	}

	if s.limiter != nil {
		allowed, limitErr := s.limiter.Allow(ctx, "activation:"+req.GuardianID.String(), s.cfg.SubmissionLimit, s.cfg.SubmissionWindow)
		switch {
		case limitErr != nil:
			s.logger.WarnContext(ctx, "submission rate limiter unavailable",
				"operation", "submit_activation",
				"outcome", "degraded",
				"error", limitErr,
			)
		case !allowed:
			return ActivationResult{}, fmt.Errorf("%w: too many activation submissions", domain.ErrRateLimited)
		}
	}

	var out submission
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		var txErr error
		out, txErr = s.submitLocked(ctx, repos, guardian, req)
		return txErr
	})
	if err != nil {
		return ActivationResult{}, asInternal(err)
	}

	s.deliverSubmission(ctx, guardian, out)
	s.logger.InfoContext(ctx, "activation submission accepted",
		"operation", "submit_activation",
		"outcome", "success",
		"subject_id", req.SubjectID,
		"guardian_id", req.GuardianID,
		"protocol_status", out.result.ProtocolStatus,
		"current_confirmations", out.result.CurrentConfirmations,
	)
	return out.result, nil
}

func (s *Service) submitLocked(ctx context.Context, repos ports.Repositories, guardian domain.Guardian, req SubmitActivationRequest) (submission, error) {
	now := s.nowFn()
	actor := guardianActor(guardian.ID)

	subject, err := repos.Subjects.GetForUpdate(ctx, req.SubjectID)
	if err != nil {
		return submission{}, err
	}
	if !subject.IsEnabled {
		return submission{}, fmt.Errorf("%w: protocol is not enabled for subject", domain.ErrNotFound)
	}
	if subject.Status == domain.StatusActive {
		return s.submitWhileActive(ctx, repos, subject, guardian)
	}

	if subject.WindowLapsed(now, s.cfg.QuorumWindow) {
		if subject, err = s.lapseWindow(ctx, repos, subject, actor, now); err != nil {
			return submission{}, err
		}
	}
	if subject.Status == domain.StatusInactive {
		if subject, err = s.transition(ctx, repos, subject, domain.StatusPending, domain.ReasonOpenEpisode, actor, now); err != nil {
			return submission{}, err
		}
	}
	windowStart := *subject.QuorumWindowStartedAt

	pending, err := repos.Requests.ListBySubjectStatus(ctx, subject.ID, domain.RequestPending)
	if err != nil {
		return submission{}, err
	}
	windowReqs := domain.WindowRequests(pending, windowStart, now)

	var out submission
	var own *domain.ActivationRequest
	for i := range windowReqs {
		if windowReqs[i].GuardianID == guardian.ID {
			own = &windowReqs[i]
			break
		}
	}
	if own == nil {
		token, err := s.random.Token(32)
		if err != nil {
			return submission{}, fmt.Errorf("generate verification token: %w", err)
		}
		method := strings.TrimSpace(req.VerificationMethod)
		if method == "" {
			method = defaultVerificationMethod
		}
		created := domain.ActivationRequest{
			ID:                 uuid.New(),
			SubjectID:          subject.ID,
			GuardianID:         guardian.ID,
			Status:             domain.RequestPending,
			TokenHash:          hashSecret(token),
			TokenExpiresAt:     now.Add(s.cfg.RequestTokenTTL),
			VerificationMethod: method,
			Notes:              req.Notes,
			Type:               domain.ActivationManualGuardian,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := repos.Requests.Create(ctx, created); err != nil {
			return submission{}, err
		}
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subject.ID,
			actor:        actor,
			action:       domain.AuditActivationRequested,
			resourceType: domain.ResourceActivationRequest,
			resourceID:   created.ID.String(),
			metadata: map[string]any{
				"guardian_id":         guardian.ID.String(),
				"verification_method": method,
				"token_expires_at":    created.TokenExpiresAt.Format(timeLayout),
			},
		}); err != nil {
			return submission{}, err
		}
		windowReqs = append(windowReqs, created)
		own = &created
		out.requestCreated = true
		out.verificationToken = token
	} else {
		out.resubmitted = true
	}

	count := domain.CountDistinctGuardians(windowReqs, windowStart, now)
	if out.resubmitted {
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subject.ID,
			actor:        actor,
			action:       domain.AuditActivationRepeated,
			resourceType: domain.ResourceActivationRequest,
			resourceID:   own.ID.String(),
			metadata: map[string]any{
				"guardian_id":           guardian.ID.String(),
				"protocol_status":       string(subject.Status),
				"current_confirmations": count,
			},
		}); err != nil {
			return submission{}, err
		}
	}
	out.result = ActivationResult{
		SubjectID:             subject.ID,
		RequestID:             own.ID,
		RequiredConfirmations: subject.RequiredConfirmations,
		CurrentConfirmations:  count,
		ConfirmationsNeeded:   max(0, subject.RequiredConfirmations-count),
		Grants:                []GrantView{},
	}

	if count >= subject.RequiredConfirmations {
		if subject, err = s.transition(ctx, repos, subject, domain.StatusActive, domain.ReasonQuorumReached, actor, now); err != nil {
			return submission{}, err
		}
		if err := repos.Requests.UpdateStatus(ctx, requestIDs(windowReqs), domain.RequestConfirmed, now); err != nil {
			return submission{}, err
		}
		deliveries, err := s.issueToAllGuardians(ctx, repos, subject, actor)
		if err != nil {
			return submission{}, err
		}
		out.activated = true
		out.deliveries = deliveries
		for _, d := range deliveries {
			out.result.Grants = append(out.result.Grants, toGrantView(d.issued.Grant))
		}
	}
	out.result.ProtocolStatus = subject.Status
	out.result.ProtocolActivated = subject.Status == domain.StatusActive
	return out, nil
}

// submitWhileActive only tops up the caller's own grant.
func (s *Service) submitWhileActive(ctx context.Context, repos ports.Repositories, subject domain.Subject, guardian domain.Guardian) (submission, error) {
	out := submission{result: ActivationResult{
		SubjectID:             subject.ID,
		ProtocolStatus:        subject.Status,
		ProtocolActivated:     true,
		CurrentConfirmations:  subject.RequiredConfirmations,
		RequiredConfirmations: subject.RequiredConfirmations,
		Grants:                []GrantView{},
	}}
	existing, err := repos.Grants.FindUnrevoked(ctx, subject.ID, guardian.ID)
	switch {
	case err == nil && existing.IsLive(s.nowFn()):
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subject.ID,
			actor:        guardianActor(guardian.ID),
			action:       domain.AuditActivationRepeated,
			resourceType: domain.ResourceSubject,
			resourceID:   subject.ID.String(),
			metadata: map[string]any{
				"guardian_id":     guardian.ID.String(),
				"protocol_status": string(subject.Status),
				"grant_id":        existing.ID.String(),
			},
		}); err != nil {
			return submission{}, err
		}
		out.resubmitted = true
		out.result.Grants = append(out.result.Grants, toGrantView(existing))
		return out, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return submission{}, err
	}
	issued, err := s.issueGrantTx(ctx, repos, subject, guardian, guardianActor(guardian.ID))
	if err != nil {
		return submission{}, err
	}
	out.deliveries = []grantDelivery{{guardian: guardian, issued: issued}}
	out.result.Grants = append(out.result.Grants, toGrantView(issued.Grant))
	return out, nil
}

func (s *Service) rejectSubmission(ctx context.Context, req SubmitActivationRequest, cause error) {
	guardianID := req.GuardianID
	s.recordAttempt(ctx, domain.AccessAttempt{
		SubjectID:  req.SubjectID,
		GuardianID: &guardianID,
		Kind:       domain.AttemptActivationSubmit,
		Outcome:    domain.OutcomeFailure,
		Reason:     cause.Error(),
	})
	s.auditOutsideTx(ctx, auditSpec{
		subjectID:    req.SubjectID,
		actor:        guardianActor(req.GuardianID),
		action:       domain.AuditActivationRejected,
		resourceType: domain.ResourceSubject,
		resourceID:   req.SubjectID.String(),
		outcome:      domain.OutcomeFailure,
		metadata: map[string]any{
			"guardian_id": req.GuardianID.String(),
			"reason":      cause.Error(),
		},
	})
	s.logger.WarnContext(ctx, "activation submission rejected",
		"operation", "submit_activation",
		"outcome", "failure",
		"subject_id", req.SubjectID,
		"guardian_id", req.GuardianID,
		"error", cause,
	)
}

func (s *Service) deliverSubmission(ctx context.Context, submitter domain.Guardian, out submission) {
	subjectID := out.result.SubjectID
	if out.requestCreated {
		s.notify(ctx, subjectID, submitter, domain.Notification{
			Type:     domain.NotifyActivationReceipt,
			Title:    "Emergency activation request received",
			Body:     "Your activation request was recorded. Use the verification token to withdraw it.",
			Priority: domain.PriorityHigh,
			Metadata: map[string]string{
				"request_id":         out.result.RequestID.String(),
				"verification_token": out.verificationToken,
			},
		})
		if !out.activated {
			s.notifyOtherGuardians(ctx, subjectID, submitter.ID, domain.Notification{
				Type:     domain.NotifyActivationRequest,
				Title:    "Emergency activation requested",
				Body:     fmt.Sprintf("A guardian requested emergency activation. %d more confirmation(s) needed.", out.result.ConfirmationsNeeded),
				Priority: domain.DefaultPriorityFor(domain.RuleGuardianManual),
				Metadata: map[string]string{"request_id": out.result.RequestID.String()},
			})
		}
	}
	if out.resubmitted {
		metadata := map[string]string{"protocol_status": string(out.result.ProtocolStatus)}
		if out.result.RequestID != uuid.Nil {
			metadata["request_id"] = out.result.RequestID.String()
		}
		s.notify(ctx, subjectID, submitter, domain.Notification{
			Type:     domain.NotifyActivationReceipt,
			Title:    "Emergency activation request already recorded",
			Body:     fmt.Sprintf("Your earlier request still stands. %d of %d confirmation(s) recorded.", out.result.CurrentConfirmations, out.result.RequiredConfirmations),
			Priority: domain.PriorityHigh,
			Metadata: metadata,
		})
	}
	s.deliverGrants(ctx, subjectID, out.deliveries)
}

func (s *Service) notifyOtherGuardians(ctx context.Context, subjectID, exclude uuid.UUID, n domain.Notification) int {
	guardians, err := s.guardians.ListBySubject(ctx, subjectID)
	if err != nil {
		s.logger.ErrorContext(ctx, "guardian lookup failed",
			"operation", "notify_guardians",
			"outcome", "failure",
			"subject_id", subjectID,
			"error", err,
		)
		return 0
	}
	sent := 0
	for _, g := range domain.SortByPriority(guardians) {
		if g.ID == exclude || !g.CanTrigger() {
			continue
		}
		if s.notify(ctx, subjectID, g, n) {
			sent++
		}
	}
	return sent
}

func (s *Service) deliverGrants(ctx context.Context, subjectID uuid.UUID, deliveries []grantDelivery) {
	for _, d := range deliveries {
		s.notify(ctx, subjectID, d.guardian, domain.Notification{
			Type:     domain.NotifyAccessGranted,
			Title:    "Emergency access granted",
			Body:     "The emergency protocol is active. Use the access token and verification code to open the shared resources.",
			Priority: domain.PriorityUrgent,
			Metadata: map[string]string{
				"grant_id":          d.issued.Grant.ID.String(),
				"access_token":      d.issued.AccessToken,
				"verification_code": d.issued.VerificationCode,
				"expires_at":        d.issued.Grant.ExpiresAt.Format(timeLayout),
			},
		})
	}
}

// lapseWindow closes an expired quorum window: its requests expire and the subject
// returns to inactive.
func (s *Service) lapseWindow(ctx context.Context, repos ports.Repositories, subject domain.Subject, actor string, now time.Time) (domain.Subject, error) {
	pending, err := repos.Requests.ListBySubjectStatus(ctx, subject.ID, domain.RequestPending)
	if err != nil {
		return domain.Subject{}, err
	}
	if err := repos.Requests.UpdateStatus(ctx, requestIDs(pending), domain.RequestExpired, now); err != nil {
		return domain.Subject{}, err
	}
	return s.transition(ctx, repos, subject, domain.StatusInactive, domain.ReasonWindowLapsed, actor, now)
}

// WithdrawActivation lets a guardian retract a pending request with its
// verification token. It has no effect on an active protocol.
func (s *Service) WithdrawActivation(ctx context.Context, guardianID uuid.UUID, verificationToken string) (err error) {
	ctx, done := s.metrics.Track(ctx, "coordinator.withdraw_activation")
	defer func() { done(err) }()

	if strings.TrimSpace(verificationToken) == "" {
		return fmt.Errorf("%w: verification_token is required", domain.ErrInvalidInput)
	}
	req, err := s.store.Repositories().Requests.GetByTokenHash(ctx, hashSecret(verificationToken))
	if err != nil {
		return asInternal(err)
	}
	if req.GuardianID != guardianID {
		return fmt.Errorf("%w: request belongs to another guardian", domain.ErrUnauthorized)
	}
	if req.Status != domain.RequestPending {
		return fmt.Errorf("%w: request is %s", domain.ErrConflict, req.Status)
	}
	if !s.nowFn().Before(req.TokenExpiresAt) {
		return fmt.Errorf("%w: verification token expired", domain.ErrExpired)
	}

	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		if subject.Status == domain.StatusActive {
			return fmt.Errorf("%w: protocol already active", domain.ErrConflict)
		}
		if err := repos.Requests.UpdateStatus(ctx, []uuid.UUID{req.ID}, domain.RequestSuperseded, s.nowFn()); err != nil {
			return err
		}
		return s.appendAudit(ctx, repos, auditSpec{
			subjectID:    req.SubjectID,
			actor:        guardianActor(guardianID),
			action:       domain.AuditActivationWithdrawn,
			resourceType: domain.ResourceActivationRequest,
			resourceID:   req.ID.String(),
		})
	})
	return asInternal(err)
}

// ActivationStatus reports the protocol state with lazy window expiry applied.
func (s *Service) ActivationStatus(ctx context.Context, subjectID uuid.UUID) (ActivationStatus, error) {
	repos := s.store.Repositories()
	subject, err := repos.Subjects.Get(ctx, subjectID)
	if err != nil {
		return ActivationStatus{}, asInternal(err)
	}
	now := s.nowFn()
	status := subject.EffectiveStatus(now, s.cfg.QuorumWindow)
	view := ActivationStatus{
		SubjectID:             subject.ID,
		ProtocolStatus:        status,
		IsEnabled:             subject.IsEnabled,
		RequiredConfirmations: subject.RequiredConfirmations,
		PendingRequests:       []RequestView{},
	}
	switch status {
	case domain.StatusActive:
		view.ActivationType = subject.ActivationType
		view.ActivatedAt = subject.ActivatedAt
		view.CurrentConfirmations = subject.RequiredConfirmations
	case domain.StatusPending:
		view.WindowStartedAt = subject.QuorumWindowStartedAt
		view.WindowExpiresAt = subject.WindowExpiresAt(s.cfg.QuorumWindow)
		pending, err := repos.Requests.ListBySubjectStatus(ctx, subject.ID, domain.RequestPending)
		if err != nil {
			return ActivationStatus{}, asInternal(err)
		}
		windowReqs := domain.WindowRequests(pending, *subject.QuorumWindowStartedAt, now)
		view.CurrentConfirmations = domain.CountDistinctGuardians(windowReqs, *subject.QuorumWindowStartedAt, now)
		for _, r := range windowReqs {
			view.PendingRequests = append(view.PendingRequests, RequestView{
				RequestID:      r.ID,
				GuardianID:     r.GuardianID,
				Status:         r.Status,
				Type:           r.Type,
				TokenExpiresAt: r.TokenExpiresAt,
				CreatedAt:      r.CreatedAt,
			})
		}
	}
	return view, nil
}

// Reset is the explicit owner or admin action returning the protocol to inactive.
// Pending requests are superseded and every unrevoked grant is revoked.
func (s *Service) Reset(ctx context.Context, subjectID uuid.UUID, actor string) (err error) {
	ctx, done := s.metrics.Track(ctx, "coordinator.reset")
	defer func() { done(err) }()

	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, subjectID)
		if err != nil {
			return err
		}
		if subject.Status == domain.StatusInactive {
			return fmt.Errorf("%w: protocol is already inactive", domain.ErrConflict)
		}
		now := s.nowFn()
		pending, err := repos.Requests.ListBySubjectStatus(ctx, subject.ID, domain.RequestPending)
		if err != nil {
			return err
		}
		if err := repos.Requests.UpdateStatus(ctx, requestIDs(pending), domain.RequestSuperseded, now); err != nil {
			return err
		}
		revoked, err := repos.Grants.RevokeAllForSubject(ctx, subject.ID, now)
		if err != nil {
			return err
		}
		if revoked > 0 {
			if err := s.appendAudit(ctx, repos, auditSpec{
				subjectID:    subject.ID,
				actor:        actor,
				action:       domain.AuditGrantRevoked,
				resourceType: domain.ResourceSubject,
				resourceID:   subject.ID.String(),
				metadata:     map[string]any{"revoked_count": revoked, "reason": "protocol_reset"},
			}); err != nil {
				return err
			}
		}
		_, err = s.transition(ctx, repos, subject, domain.StatusInactive, domain.ReasonReset, actor, now)
		return err
	})
	return asInternal(err)
}

// ActivateDirect moves the subject straight to active on a critical rule action,
// bypassing the quorum, and issues grants to every active guardian.
func (s *Service) ActivateDirect(ctx context.Context, subjectID, ruleID uuid.UUID, reason string) (result ActivationResult, err error) {
	ctx, done := s.metrics.Track(ctx, "coordinator.activate_direct")
	defer func() { done(err) }()

	var deliveries []grantDelivery
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, subjectID)
		if err != nil {
			return err
		}
		if !subject.IsEnabled {
			return fmt.Errorf("%w: protocol is not enabled for subject", domain.ErrNotFound)
		}
		result = ActivationResult{
			SubjectID:             subject.ID,
			RequiredConfirmations: subject.RequiredConfirmations,
			Grants:                []GrantView{},
		}
		if subject.Status == domain.StatusActive {
			result.ProtocolStatus = subject.Status
			result.ProtocolActivated = true
			return nil
		}
		now := s.nowFn()
		if subject.Status == domain.StatusPending {
			pending, err := repos.Requests.ListBySubjectStatus(ctx, subject.ID, domain.RequestPending)
			if err != nil {
				return err
			}
			if err := repos.Requests.UpdateStatus(ctx, requestIDs(pending), domain.RequestConfirmed, now); err != nil {
				return err
			}
		}
		if subject, err = s.transition(ctx, repos, subject, domain.StatusActive, domain.ReasonDirectActivation, actorDetection, now); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    subject.ID,
			actor:        actorDetection,
			action:       domain.AuditActionExecuted,
			resourceType: domain.ResourceRule,
			resourceID:   ruleID.String(),
			metadata:     map[string]any{"action": string(domain.ActionActivateShield), "reason": reason},
		}); err != nil {
			return err
		}
		deliveries, err = s.issueToAllGuardians(ctx, repos, subject, actorDetection)
		if err != nil {
			return err
		}
		for _, d := range deliveries {
			result.Grants = append(result.Grants, toGrantView(d.issued.Grant))
		}
		result.ProtocolStatus = subject.Status
		result.ProtocolActivated = true
		return nil
	})
	if err != nil {
		return ActivationResult{}, asInternal(err)
	}
	s.deliverGrants(ctx, subjectID, deliveries)
	return result, nil
}

// OpenEpisode moves an inactive subject to pending on a non-critical rule action.
// It reports whether a new window was opened.
func (s *Service) OpenEpisode(ctx context.Context, subjectID uuid.UUID) (opened bool, err error) {
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, subjectID)
		if err != nil {
			return err
		}
		if !subject.IsEnabled {
			return fmt.Errorf("%w: protocol is not enabled for subject", domain.ErrNotFound)
		}
		now := s.nowFn()
		if subject.WindowLapsed(now, s.cfg.QuorumWindow) {
			if subject, err = s.lapseWindow(ctx, repos, subject, actorDetection, now); err != nil {
				return err
			}
		}
		if subject.Status != domain.StatusInactive {
			return nil
		}
		if _, err := s.transition(ctx, repos, subject, domain.StatusPending, domain.ReasonOpenEpisode, actorDetection, now); err != nil {
			return err
		}
		opened = true
		return nil
	})
	return opened, asInternal(err)
}

func requestIDs(reqs []domain.ActivationRequest) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}
