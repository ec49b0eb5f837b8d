package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/viralforge/guardian-activation/internal/domain"
)

func TestValidateGrantCheckOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()
	f.submit(t, 0)
	granted := f.notifier.find(f.guardians[0].ID, domain.NotifyAccessGranted)[0]
	token, code := granted.Metadata["access_token"], granted.Metadata["verification_code"]

	if _, err := f.service.ValidateGrant(ctx, "", code); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("missing token: expected invalid input, got %v", err)
	}
	if _, err := f.service.ValidateGrant(ctx, "unknown", code); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown token: expected not found, got %v", err)
	}
	_, err := f.service.ValidateGrant(ctx, token, "000000")
	if !errors.Is(err, domain.ErrInvalidVerificationCode) || !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong code: expected invalid verification code, got %v", err)
	}

	validation, err := f.service.ValidateGrant(ctx, token, code)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	view, err := f.service.RevokeGrant(ctx, validation.GrantID, "admin:test")
	if err != nil || !view.Revoked {
		t.Fatalf("revoke: %+v %v", view, err)
	}
	if _, err := f.service.RevokeGrant(ctx, validation.GrantID, "admin:test"); err != nil {
		t.Fatalf("second revoke must be a no-op: %v", err)
	}
	if got := f.auditCount(t, domain.AuditGrantRevoked); got != 1 {
		t.Fatalf("expected one revocation audit entry, got %d", got)
	}

	if _, err := f.service.ValidateGrant(ctx, token, code); !errors.Is(err, domain.ErrRevoked) {
		t.Fatalf("revoked grant: expected revoked, got %v", err)
	}
	if _, err := f.service.ValidateGrant(ctx, token, "000000"); !errors.Is(err, domain.ErrInvalidVerificationCode) {
		t.Fatalf("wrong code is checked before revocation, got %v", err)
	}
	if got := f.auditCount(t, domain.AuditGrantValidationFail); got != 3 {
		t.Fatalf("expected three validation failure entries, got %d", got)
	}
}

func TestGrantExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1)
	ctx := context.Background()
	f.submit(t, 0)
	granted := f.notifier.find(f.guardians[0].ID, domain.NotifyAccessGranted)[0]

	f.clock.Advance(30*24*time.Hour + time.Second)
	_, err := f.service.ValidateGrant(ctx, granted.Metadata["access_token"], granted.Metadata["verification_code"])
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestIssueGrantReplacesPreviousGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 1)
	ctx := context.Background()

	if _, err := f.service.IssueGrant(ctx, f.subjectID, f.guardians[1].ID, "admin:test"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("inactive protocol: expected conflict, got %v", err)
	}

	f.submit(t, 0)
	old := f.notifier.find(f.guardians[1].ID, domain.NotifyAccessGranted)[0]

	view, err := f.service.IssueGrant(ctx, f.subjectID, f.guardians[1].ID, "admin:test")
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	if view.Permissions != f.guardians[1].Permissions {
		t.Fatalf("grant must snapshot guardian permissions, got %+v", view.Permissions)
	}
	if _, err := f.service.ValidateGrant(ctx, old.Metadata["access_token"], old.Metadata["verification_code"]); !errors.Is(err, domain.ErrRevoked) {
		t.Fatalf("previous grant must be revoked, got %v", err)
	}
	fresh := f.notifier.find(f.guardians[1].ID, domain.NotifyAccessGranted)
	if len(fresh) != 2 {
		t.Fatalf("expected the new grant to be delivered, got %d notifications", len(fresh))
	}
	if _, err := f.service.ValidateGrant(ctx, fresh[1].Metadata["access_token"], fresh[1].Metadata["verification_code"]); err != nil {
		t.Fatalf("new grant must validate: %v", err)
	}

	other := newFixture(t, 1, 1)
	f.directory.Put(other.guardians[0])
	if _, err := f.service.IssueGrant(ctx, f.subjectID, other.guardians[0].ID, "admin:test"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("foreign guardian: expected unauthorized, got %v", err)
	}
}
