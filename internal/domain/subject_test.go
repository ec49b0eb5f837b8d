package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from   ProtocolStatus
		to     ProtocolStatus
		reason TransitionReason
		ok     bool
	}{
		{StatusInactive, StatusPending, ReasonOpenEpisode, true},
		{StatusPending, StatusActive, ReasonQuorumReached, true},
		{StatusInactive, StatusActive, ReasonDirectActivation, true},
		{StatusPending, StatusActive, ReasonDirectActivation, true},
		{StatusPending, StatusInactive, ReasonWindowLapsed, true},
		{StatusActive, StatusInactive, ReasonReset, true},
		{StatusInactive, StatusActive, ReasonQuorumReached, false},
		{StatusActive, StatusPending, ReasonOpenEpisode, false},
		{StatusActive, StatusInactive, ReasonWindowLapsed, false},
		{StatusPending, StatusPending, ReasonOpenEpisode, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to, tc.reason), "%s -> %s (%s)", tc.from, tc.to, tc.reason)
	}
}

func TestSubjectTransitionBookkeeping(t *testing.T) {
	t.Parallel()

	s := NewSubject(uuid.New(), now, now)
	require.NoError(t, s.Transition(StatusPending, ReasonOpenEpisode, now))
	require.NotNil(t, s.QuorumWindowStartedAt)
	assert.True(t, s.QuorumWindowStartedAt.Equal(now))

	later := now.Add(time.Hour)
	require.NoError(t, s.Transition(StatusActive, ReasonQuorumReached, later))
	assert.Equal(t, ActivationManualGuardian, s.ActivationType)
	require.NotNil(t, s.ActivatedAt)
	assert.True(t, s.ActivatedAt.Equal(later))

	err := s.Transition(StatusPending, ReasonOpenEpisode, later)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.True(t, errors.Is(err, ErrConflict))

	require.NoError(t, s.Transition(StatusInactive, ReasonReset, later))
	assert.Nil(t, s.QuorumWindowStartedAt)
	assert.Nil(t, s.ActivatedAt)
	assert.Empty(t, s.ActivationType)

	require.NoError(t, s.Transition(StatusActive, ReasonDirectActivation, later))
	assert.Equal(t, ActivationRuleTriggered, s.ActivationType)
}

func TestWindowLapse(t *testing.T) {
	t.Parallel()

	window := 24 * time.Hour
	s := NewSubject(uuid.New(), now, now)
	assert.False(t, s.WindowLapsed(now.Add(48*time.Hour), window), "inactive subjects have no window")
	assert.Nil(t, s.WindowExpiresAt(window))

	require.NoError(t, s.Transition(StatusPending, ReasonOpenEpisode, now))
	assert.False(t, s.WindowLapsed(now.Add(window-time.Nanosecond), window))
	assert.True(t, s.WindowLapsed(now.Add(window), window))
	assert.Equal(t, StatusPending, s.EffectiveStatus(now.Add(time.Hour), window))
	assert.Equal(t, StatusInactive, s.EffectiveStatus(now.Add(window), window))
}

func TestRequiredConfirmations(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ValidateRequiredConfirmations(0), ErrInvalidInput)
	assert.NoError(t, ValidateRequiredConfirmations(1))
	assert.Equal(t, 1, NewSubject(uuid.New(), now, now).RequiredConfirmations)
}

func TestGuardianAuthorization(t *testing.T) {
	t.Parallel()

	subjectID := uuid.New()
	g := Guardian{ID: uuid.New(), SubjectID: subjectID, IsActive: true, CanTriggerEmergency: true}
	assert.NoError(t, g.AuthorizeActivation(subjectID))
	assert.ErrorIs(t, g.AuthorizeActivation(uuid.New()), ErrUnauthorized)

	g.CanTriggerEmergency = false
	assert.ErrorIs(t, g.AuthorizeActivation(subjectID), ErrUnauthorized)
	assert.False(t, g.CanTrigger())

	g.CanTriggerEmergency, g.IsActive = true, false
	assert.ErrorIs(t, g.AuthorizeActivation(subjectID), ErrUnauthorized)
}

func TestSortByPriorityIsStable(t *testing.T) {
	t.Parallel()

	a := Guardian{Name: "a", Priority: 2}
	b := Guardian{Name: "b", Priority: 1}
	c := Guardian{Name: "c", Priority: 2}
	sorted := SortByPriority([]Guardian{a, b, c})
	assert.Equal(t, []string{"b", "a", "c"}, []string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
}

func TestGrantUsability(t *testing.T) {
	t.Parallel()

	g := AccessGrant{ExpiresAt: now.Add(time.Hour)}
	assert.NoError(t, g.Usable(now))
	assert.ErrorIs(t, g.Usable(now.Add(time.Hour)), ErrExpired)

	g.Revoked = true
	assert.ErrorIs(t, g.Usable(now.Add(2*time.Hour)), ErrRevoked, "revocation is reported before expiry")
	assert.False(t, g.IsLive(now))
}
