package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

const (
	accessTokenBytes       = 32
	verificationCodeDigits = 6
)

// issueGrantTx mints a grant for guardian inside the caller's transaction. Any
// unrevoked grant for the same pair is revoked first.
func (s *Service) issueGrantTx(ctx context.Context, repos ports.Repositories, subject domain.Subject, guardian domain.Guardian, actor string) (domain.IssuedGrant, error) {
	if subject.Status != domain.StatusActive {
		return domain.IssuedGrant{}, fmt.Errorf("%w: protocol is not active", domain.ErrConflict)
	}
	now := s.nowFn()
	if _, err := repos.Grants.RevokeAllForGuardian(ctx, subject.ID, guardian.ID, now); err != nil {
		return domain.IssuedGrant{}, err
	}

	token, err := s.random.Token(accessTokenBytes)
	if err != nil {
		return domain.IssuedGrant{}, fmt.Errorf("generate access token: %w", err)
	}
	code, err := s.random.Digits(verificationCodeDigits)
	if err != nil {
		return domain.IssuedGrant{}, fmt.Errorf("generate verification code: %w", err)
	}
	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		return domain.IssuedGrant{}, fmt.Errorf("hash verification code: %w", err)
	}

	grant := domain.AccessGrant{
		ID:          uuid.New(),
		SubjectID:   subject.ID,
		GuardianID:  guardian.ID,
		TokenHash:   hashSecret(token),
		CodeHash:    codeHash,
		Permissions: guardian.Permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.GrantTTL),
	}
	if err := repos.Grants.Create(ctx, grant); err != nil {
		return domain.IssuedGrant{}, err
	}
	if err := s.appendAudit(ctx, repos, auditSpec{
		subjectID:    subject.ID,
		actor:        actor,
		action:       domain.AuditGrantIssued,
		resourceType: domain.ResourceAccessGrant,
		resourceID:   grant.ID.String(),
		metadata: map[string]any{
			"guardian_id": guardian.ID.String(),
			"permissions": permissionsMetadata(grant.Permissions),
			"expires_at":  grant.ExpiresAt.Format(timeLayout),
		},
	}); err != nil {
		return domain.IssuedGrant{}, err
	}
	if err := s.enqueueEvent(ctx, repos, "guardian.grant.issued", subject.ID, map[string]any{
		"grant_id":    grant.ID.String(),
		"subject_id":  subject.ID.String(),
		"guardian_id": guardian.ID.String(),
		"expires_at":  grant.ExpiresAt.Format(timeLayout),
	}); err != nil {
		return domain.IssuedGrant{}, err
	}
	s.metrics.RecordGrantIssued(ctx)
	return domain.IssuedGrant{Grant: grant, AccessToken: token, VerificationCode: code}, nil
}

func (s *Service) issueToAllGuardians(ctx context.Context, repos ports.Repositories, subject domain.Subject, actor string) ([]grantDelivery, error) {
	guardians, err := s.guardians.ListBySubject(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	deliveries := make([]grantDelivery, 0, len(guardians))
	for _, g := range domain.SortByPriority(guardians) {
		if !g.IsActive {
			continue
		}
		issued, err := s.issueGrantTx(ctx, repos, subject, g, actor)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, grantDelivery{guardian: g, issued: issued})
	}
	return deliveries, nil
}

func permissionsMetadata(p domain.Permissions) map[string]any {
	return map[string]any{
		"access_health_docs":    p.AccessHealthDocs,
		"access_financial_docs": p.AccessFinancialDocs,
		"is_child_guardian":     p.IsChildGuardian,
		"is_will_executor":      p.IsWillExecutor,
	}
}

// IssueGrant re-issues a grant to one guardian of an active subject.
func (s *Service) IssueGrant(ctx context.Context, subjectID, guardianID uuid.UUID, actor string) (view GrantView, err error) {
	ctx, done := s.metrics.Track(ctx, "issuer.issue_grant")
	defer func() { done(err) }()

	guardian, err := s.guardians.Get(ctx, guardianID)
	if err != nil {
		return GrantView{}, asInternal(err)
	}
	if guardian.SubjectID != subjectID || !guardian.IsActive {
		return GrantView{}, fmt.Errorf("%w: guardian is not eligible for a grant", domain.ErrUnauthorized)
	}

	var delivery grantDelivery
	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		subject, err := repos.Subjects.GetForUpdate(ctx, subjectID)
		if err != nil {
			return err
		}
		issued, err := s.issueGrantTx(ctx, repos, subject, guardian, actor)
		if err != nil {
			return err
		}
		delivery = grantDelivery{guardian: guardian, issued: issued}
		return nil
	})
	if err != nil {
		return GrantView{}, asInternal(err)
	}
	s.deliverGrants(ctx, subjectID, []grantDelivery{delivery})
	return toGrantView(delivery.issued.Grant), nil
}

// RevokeGrant revokes a grant. Validation reads the store, so revocation takes
// effect for the next validate call. Revoking twice is a no-op.
func (s *Service) RevokeGrant(ctx context.Context, grantID uuid.UUID, actor string) (view GrantView, err error) {
	ctx, done := s.metrics.Track(ctx, "issuer.revoke_grant")
	defer func() { done(err) }()

	err = s.store.WithinTx(ctx, func(repos ports.Repositories) error {
		grant, err := repos.Grants.GetByID(ctx, grantID)
		if err != nil {
			return err
		}
		if grant.Revoked {
			view = toGrantView(grant)
			return nil
		}
		now := s.nowFn()
		if err := repos.Grants.Revoke(ctx, grant.ID, now); err != nil {
			return err
		}
		grant.Revoked = true
		grant.RevokedAt = &now
		if err := s.appendAudit(ctx, repos, auditSpec{
			subjectID:    grant.SubjectID,
			actor:        actor,
			action:       domain.AuditGrantRevoked,
			resourceType: domain.ResourceAccessGrant,
			resourceID:   grant.ID.String(),
			metadata:     map[string]any{"guardian_id": grant.GuardianID.String()},
		}); err != nil {
			return err
		}
		if err := s.enqueueEvent(ctx, repos, "guardian.grant.revoked", grant.SubjectID, map[string]any{
			"grant_id":    grant.ID.String(),
			"subject_id":  grant.SubjectID.String(),
			"guardian_id": grant.GuardianID.String(),
		}); err != nil {
			return err
		}
		view = toGrantView(grant)
		return nil
	})
	if err != nil {
		return GrantView{}, asInternal(err)
	}
	return view, nil
}

// ValidateGrant checks an access token and verification code pair. Checks run in
// order: unknown token, wrong code, revoked, expired. Failures against a known
// grant are recorded as access attempts.
func (s *Service) ValidateGrant(ctx context.Context, accessToken, verificationCode string) (result GrantValidation, err error) {
	ctx, done := s.metrics.Track(ctx, "issuer.validate_grant")
	defer func() { done(err) }()

	accessToken = strings.TrimSpace(accessToken)
	verificationCode = strings.TrimSpace(verificationCode)
	if accessToken == "" || verificationCode == "" {
		return GrantValidation{}, fmt.Errorf("%w: access_token and verification_code are required", domain.ErrInvalidInput)
	}

	grant, err := s.store.Repositories().Grants.GetByTokenHash(ctx, hashSecret(accessToken))
	if errors.Is(err, domain.ErrNotFound) {
		return GrantValidation{}, fmt.Errorf("%w: unknown access token", domain.ErrNotFound)
	}
	if err != nil {
		return GrantValidation{}, asInternal(err)
	}

	if compareErr := s.hasher.Compare(grant.CodeHash, verificationCode); compareErr != nil {
		s.rejectValidation(ctx, grant, "invalid_verification_code")
		return GrantValidation{}, domain.ErrInvalidVerificationCode
	}
	if usableErr := grant.Usable(s.nowFn()); usableErr != nil {
		reason := "grant_expired"
		if errors.Is(usableErr, domain.ErrRevoked) {
			reason = "grant_revoked"
		}
		s.rejectValidation(ctx, grant, reason)
		return GrantValidation{}, usableErr
	}

	guardianID := grant.GuardianID
	s.recordAttempt(ctx, domain.AccessAttempt{
		SubjectID:  grant.SubjectID,
		GuardianID: &guardianID,
		Kind:       domain.AttemptGrantValidation,
		Outcome:    domain.OutcomeSuccess,
	})
	return GrantValidation{
		GrantID:     grant.ID,
		SubjectID:   grant.SubjectID,
		GuardianID:  grant.GuardianID,
		Permissions: grant.Permissions,
		ExpiresAt:   grant.ExpiresAt,
	}, nil
}

func (s *Service) rejectValidation(ctx context.Context, grant domain.AccessGrant, reason string) {
	guardianID := grant.GuardianID
	s.recordAttempt(ctx, domain.AccessAttempt{
		SubjectID:  grant.SubjectID,
		GuardianID: &guardianID,
		Kind:       domain.AttemptGrantValidation,
		Outcome:    domain.OutcomeFailure,
		Reason:     reason,
	})
	s.auditOutsideTx(ctx, auditSpec{
		subjectID:    grant.SubjectID,
		actor:        guardianActor(grant.GuardianID),
		action:       domain.AuditGrantValidationFail,
		resourceType: domain.ResourceAccessGrant,
		resourceID:   grant.ID.String(),
		outcome:      domain.OutcomeFailure,
		metadata:     map[string]any{"reason": reason},
	})
}
