package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCondition(t *testing.T) {
	t.Parallel()

	c, err := DecodeCondition(RuleInactivity, []byte(`{"type":"time_based","threshold_days":30}`))
	require.NoError(t, err)
	assert.Equal(t, InactivityCondition{ThresholdDays: 30}, c)

	c, err = DecodeCondition(RuleHealthCheck, nil)
	require.NoError(t, err)
	assert.Equal(t, HealthCheckCondition{MissedThreshold: DefaultMissedHealthChecks}, c)

	c, err = DecodeCondition(RuleGuardianManual, []byte(`{"type":"activity_based"}`))
	require.NoError(t, err)
	assert.Equal(t, GuardianManualCondition{RequestThreshold: DefaultManualRequestThreshold}, c)

	c, err = DecodeCondition(RuleSuspiciousActivity, []byte(`{"type":"activity_based","threshold_count":2}`))
	require.NoError(t, err)
	assert.Equal(t, SuspiciousActivityCondition{FailedAttemptThreshold: 2}, c)

	for name, tc := range map[string]struct {
		typ RuleType
		raw string
	}{
		"inactivity without days":   {RuleInactivity, `{"type":"time_based"}`},
		"inactivity wrong variant":  {RuleInactivity, `{"type":"activity_based","threshold_count":1}`},
		"activity with time_based":  {RuleHealthCheck, `{"type":"time_based","threshold_days":3}`},
		"negative count":            {RuleSuspiciousActivity, `{"threshold_count":-1}`},
		"malformed":                 {RuleHealthCheck, `[`},
		"unknown rule type":         {RuleType("weather"), `{}`},
	} {
		_, err := DecodeCondition(tc.typ, []byte(tc.raw))
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
}

func TestEncodeConditionRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []Condition{
		InactivityCondition{ThresholdDays: 90},
		HealthCheckCondition{MissedThreshold: 4},
		GuardianManualCondition{RequestThreshold: 2},
		SuspiciousActivityCondition{FailedAttemptThreshold: 7},
	} {
		raw, err := EncodeCondition(c)
		require.NoError(t, err)
		back, err := DecodeCondition(c.RuleType(), raw)
		require.NoError(t, err)
		assert.Equal(t, c, back)
	}
}

func TestEvaluateThresholds(t *testing.T) {
	t.Parallel()

	base := Signals{Now: now, LastActivityAt: now.Add(-31 * 24 * time.Hour)}

	fired, reason := Evaluate(InactivityCondition{ThresholdDays: 30}, base)
	assert.True(t, fired)
	assert.Contains(t, reason, "31 days")

	fired, _ = Evaluate(InactivityCondition{ThresholdDays: 32}, base)
	assert.False(t, fired)

	fired, _ = Evaluate(InactivityCondition{ThresholdDays: 1}, Signals{Now: now})
	assert.False(t, fired, "no recorded activity never fires")

	fired, _ = Evaluate(HealthCheckCondition{MissedThreshold: 3}, Signals{MissedHealthChecks: 3})
	assert.True(t, fired)
	fired, _ = Evaluate(GuardianManualCondition{RequestThreshold: 1}, Signals{ManualRequestsDelivered: 1})
	assert.True(t, fired)

	// Suspicious activity is strictly greater than its threshold.
	fired, _ = Evaluate(SuspiciousActivityCondition{FailedAttemptThreshold: 5}, Signals{FailedAccessAttempts: 5})
	assert.False(t, fired)
	fired, _ = Evaluate(SuspiciousActivityCondition{FailedAttemptThreshold: 5}, Signals{FailedAccessAttempts: 6})
	assert.True(t, fired)
}

func TestSortActionsByPriority(t *testing.T) {
	t.Parallel()

	actions := []ResponseAction{
		{Type: ActionNotifyGuardians, Priority: PriorityLow},
		{Type: ActionCreateAuditLog, Priority: PriorityCritical},
		{Type: ActionNotifyGuardians, Priority: PriorityHigh},
		{Type: ActionActivateShield, Priority: PriorityHigh},
	}
	sorted := SortActions(actions)
	assert.Equal(t, []ResponseAction{
		{Type: ActionCreateAuditLog, Priority: PriorityCritical},
		{Type: ActionNotifyGuardians, Priority: PriorityHigh},
		{Type: ActionActivateShield, Priority: PriorityHigh},
		{Type: ActionNotifyGuardians, Priority: PriorityLow},
	}, sorted)
	assert.Equal(t, PriorityLow, actions[0].Priority, "input must not be reordered")
}

func TestDefaultRulesAreValid(t *testing.T) {
	t.Parallel()

	rules := DefaultRules(uuid.New(), now)
	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, InactivityCondition{ThresholdDays: 180}, rules[0].Condition)
	assert.Equal(t, 24*time.Hour, rules[0].Actions[1].Delay())
}

func TestDefaultPriority(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PriorityUrgent, DefaultPriorityFor(RuleGuardianManual))
	assert.Equal(t, PriorityHigh, DefaultPriorityFor(RuleInactivity))
	assert.Equal(t, PriorityMedium, DefaultPriorityFor(RuleHealthCheck))
	assert.Equal(t, PriorityMedium, DefaultPriorityFor(RuleSuspiciousActivity))
}

func TestReminderTypes(t *testing.T) {
	t.Parallel()

	r, err := ParseReminderType("")
	require.NoError(t, err)
	assert.Equal(t, ReminderFirst, r)
	assert.Equal(t, PriorityHigh, r.Priority())

	r, err = ParseReminderType("final_warning")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, r.Priority())

	_, err = ParseReminderType("gentle_nudge")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
