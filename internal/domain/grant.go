package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccessGrant is a per-guardian credential minted while the protocol is active.
// TokenHash is the lookup key; CodeHash is a bcrypt hash of the verification code.
// Permissions is a snapshot taken at issuance and never updated.
type AccessGrant struct {
	ID          uuid.UUID
	SubjectID   uuid.UUID
	GuardianID  uuid.UUID
	TokenHash   string
	CodeHash    string
	Permissions Permissions
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   *time.Time
}

func (g AccessGrant) IsLive(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// Usable returns ErrRevoked or ErrExpired when the grant can no longer be used.
func (g AccessGrant) Usable(now time.Time) error {
	if g.Revoked {
		return ErrRevoked
	}
	if !now.Before(g.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// IssuedGrant carries the plaintext secrets of a freshly minted grant. It only
// travels to the notification channel and is never persisted or logged.
type IssuedGrant struct {
	Grant            AccessGrant
	AccessToken      string
	VerificationCode string
}
