package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ProtocolStatus string

const (
	StatusInactive ProtocolStatus = "inactive"
	StatusPending  ProtocolStatus = "pending"
	StatusActive   ProtocolStatus = "active"
)

func (s ProtocolStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusPending, StatusActive:
		return true
	default:
		return false
	}
}

// TransitionReason names the event that moves a subject between protocol states.
type TransitionReason string

const (
	ReasonOpenEpisode      TransitionReason = "open_episode"
	ReasonQuorumReached    TransitionReason = "quorum_reached"
	ReasonDirectActivation TransitionReason = "direct_activation"
	ReasonWindowLapsed     TransitionReason = "window_lapsed"
	ReasonReset            TransitionReason = "reset"
)

type transitionKey struct {
	from ProtocolStatus
	to   ProtocolStatus
}

var allowedTransitions = map[transitionKey][]TransitionReason{
	{StatusInactive, StatusPending}: {ReasonOpenEpisode},
	{StatusPending, StatusActive}:   {ReasonQuorumReached, ReasonDirectActivation},
	{StatusInactive, StatusActive}:  {ReasonDirectActivation},
	{StatusPending, StatusInactive}: {ReasonWindowLapsed, ReasonReset},
	{StatusActive, StatusInactive}:  {ReasonReset},
}

// CanTransition reports whether the protocol state machine permits from -> to for reason.
func CanTransition(from, to ProtocolStatus, reason TransitionReason) bool {
	for _, allowed := range allowedTransitions[transitionKey{from: from, to: to}] {
		if allowed == reason {
			return true
		}
	}
	return false
}

// Subject is the protected account owner and the protocol state attached to it.
// LastActivityAt is written by the activity tracker and only read here.
type Subject struct {
	ID                    uuid.UUID
	LastActivityAt        time.Time
	Status                ProtocolStatus
	RequiredConfirmations int
	IsEnabled             bool
	QuorumWindowStartedAt *time.Time
	ActivationType        ActivationType
	ActivatedAt           *time.Time
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewSubject returns the default settings for a newly protected owner: protocol
// disabled and a single confirmation required.
func NewSubject(id uuid.UUID, lastActivityAt, now time.Time) Subject {
	return Subject{
		ID:                    id,
		LastActivityAt:        lastActivityAt,
		Status:                StatusInactive,
		RequiredConfirmations: 1,
		IsEnabled:             false,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Transition applies a guarded state change. The caller persists the result with
// a version check; Version itself is bumped by the repository.
func (s *Subject) Transition(to ProtocolStatus, reason TransitionReason, at time.Time) error {
	if !CanTransition(s.Status, to, reason) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, s.Status, to, reason)
	}
	switch to {
	case StatusPending:
		start := at
		s.QuorumWindowStartedAt = &start
	case StatusActive:
		activated := at
		s.ActivatedAt = &activated
		if reason == ReasonDirectActivation {
			s.ActivationType = ActivationRuleTriggered
		} else {
			s.ActivationType = ActivationManualGuardian
		}
	case StatusInactive:
		s.QuorumWindowStartedAt = nil
		s.ActivatedAt = nil
		s.ActivationType = ""
	}
	s.Status = to
	s.UpdatedAt = at
	return nil
}

// WindowExpiresAt is nil unless a quorum window is open.
func (s Subject) WindowExpiresAt(window time.Duration) *time.Time {
	if s.Status != StatusPending || s.QuorumWindowStartedAt == nil {
		return nil
	}
	end := s.QuorumWindowStartedAt.Add(window)
	return &end
}

// WindowLapsed reports whether a pending subject's quorum window has closed
// without reaching quorum.
func (s Subject) WindowLapsed(now time.Time, window time.Duration) bool {
	if s.Status != StatusPending {
		return false
	}
	end := s.WindowExpiresAt(window)
	return end == nil || !now.Before(*end)
}

// EffectiveStatus applies window expiry lazily so reads never report a stale pending state.
func (s Subject) EffectiveStatus(now time.Time, window time.Duration) ProtocolStatus {
	if s.WindowLapsed(now, window) {
		return StatusInactive
	}
	return s.Status
}

func (s Subject) InactiveFor(now time.Time) time.Duration {
	if s.LastActivityAt.IsZero() || now.Before(s.LastActivityAt) {
		return 0
	}
	return now.Sub(s.LastActivityAt)
}

func ValidateRequiredConfirmations(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: required_confirmations must be at least 1", ErrInvalidInput)
	}
	return nil
}
