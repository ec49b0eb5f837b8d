package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCountDistinctGuardiansIgnoresOutsideWindow(t *testing.T) {
	t.Parallel()

	windowStart := now
	g1, g2 := uuid.New(), uuid.New()
	live := now.Add(7 * 24 * time.Hour)
	reqs := []ActivationRequest{
		{GuardianID: g1, Status: RequestPending, CreatedAt: now, TokenExpiresAt: live},
		{GuardianID: g1, Status: RequestPending, CreatedAt: now.Add(time.Minute), TokenExpiresAt: live},
		{GuardianID: g2, Status: RequestPending, CreatedAt: now.Add(-time.Minute), TokenExpiresAt: live},
		{GuardianID: g2, Status: RequestSuperseded, CreatedAt: now, TokenExpiresAt: live},
		{GuardianID: uuid.New(), Status: RequestPending, CreatedAt: now, TokenExpiresAt: now},
	}
	if got := CountDistinctGuardians(reqs, windowStart, now.Add(time.Hour)); got != 1 {
		t.Fatalf("expected 1 distinct guardian, got %d", got)
	}
	if got := len(WindowRequests(reqs, windowStart, now.Add(time.Hour))); got != 2 {
		t.Fatalf("expected 2 window requests, got %d", got)
	}
}

func TestCountDistinctGuardiansProperty(t *testing.T) {
	guardians := make([]uuid.UUID, 6)
	for i := range guardians {
		guardians[i] = uuid.New()
	}

	properties := gopter.NewProperties(nil)
	properties.Property("count equals the number of distinct guardians with live window requests", prop.ForAll(
		func(picks []int, statuses []int) bool {
			var reqs []ActivationRequest
			want := map[uuid.UUID]bool{}
			for i, p := range picks {
				status := RequestPending
				if i < len(statuses) && statuses[i] == 1 {
					status = RequestExpired
				}
				reqs = append(reqs, ActivationRequest{
					GuardianID:     guardians[p],
					Status:         status,
					CreatedAt:      now,
					TokenExpiresAt: now.Add(time.Hour),
				})
				if status == RequestPending {
					want[guardians[p]] = true
				}
			}
			got := CountDistinctGuardians(reqs, now, now)
			return got == len(want) && got <= len(guardians)
		},
		gen.SliceOf(gen.IntRange(0, len(guardians)-1)),
		gen.SliceOf(gen.IntRange(0, 1)),
	))
	properties.TestingRun(t)
}
