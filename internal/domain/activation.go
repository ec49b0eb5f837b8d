package domain

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestConfirmed  RequestStatus = "confirmed"
	RequestExpired    RequestStatus = "expired"
	RequestSuperseded RequestStatus = "superseded"
)

type ActivationType string

const (
	ActivationManualGuardian ActivationType = "manual_guardian"
	ActivationRuleTriggered  ActivationType = "rule_triggered"
)

// ActivationRequest is one guardian's corroboration that the subject needs help.
// The verification token is only stored as a digest.
type ActivationRequest struct {
	ID                 uuid.UUID
	SubjectID          uuid.UUID
	GuardianID         uuid.UUID
	Status             RequestStatus
	TokenHash          string
	TokenExpiresAt     time.Time
	VerificationMethod string
	Notes              string
	Type               ActivationType
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CountsToward reports whether the request is a live corroboration in the window
// that opened at windowStart.
func (r ActivationRequest) CountsToward(windowStart, now time.Time) bool {
	return r.Status == RequestPending &&
		!r.CreatedAt.Before(windowStart) &&
		now.Before(r.TokenExpiresAt)
}

// CountDistinctGuardians counts unique guardians with a live request in the window.
// Repeat submissions by one guardian never add to the count.
func CountDistinctGuardians(requests []ActivationRequest, windowStart, now time.Time) int {
	seen := make(map[uuid.UUID]struct{}, len(requests))
	for _, r := range requests {
		if !r.CountsToward(windowStart, now) {
			continue
		}
		seen[r.GuardianID] = struct{}{}
	}
	return len(seen)
}

// WindowRequests filters the requests that count toward the current window.
func WindowRequests(requests []ActivationRequest, windowStart, now time.Time) []ActivationRequest {
	out := make([]ActivationRequest, 0, len(requests))
	for _, r := range requests {
		if r.CountsToward(windowStart, now) {
			out = append(out, r)
		}
	}
	return out
}
