package ports

import (
	"time"

	"github.com/google/uuid"
)

// RandomSource produces secrets. Tests inject a deterministic source.
type RandomSource interface {
	// Token returns n random bytes encoded as URL-safe base64.
	Token(n int) (string, error)
	// Digits returns a string of n random decimal digits.
	Digits(n int) (string, error)
}

// CodeHasher hashes short verification codes for storage.
type CodeHasher interface {
	Hash(code string) (string, error)
	Compare(hash, code string) error
}

const (
	RoleGuardian  = "guardian"
	RoleScheduler = "scheduler"
	RoleAdmin     = "admin"
)

// CallerClaims identifies an authenticated API caller.
type CallerClaims struct {
	Subject    string
	Role       string
	GuardianID uuid.UUID
	ExpiresAt  time.Time
}

type CallerVerifier interface {
	Verify(token string) (CallerClaims, error)
}

// RuleDocumentValidator checks owner supplied rule documents before decoding.
type RuleDocumentValidator interface {
	Validate(raw []byte) error
}
