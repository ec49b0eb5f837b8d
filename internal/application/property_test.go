package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
)

func TestQuorumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("protocol activates exactly when enough distinct guardians submit", prop.ForAll(
		func(submitters []int, required int) bool {
			f := newFixture(t, 5, required, withTickingClock(time.Microsecond))
			ctx := context.Background()

			distinct := map[int]bool{}
			for _, idx := range submitters {
				res, err := f.service.SubmitActivation(ctx, application.SubmitActivationRequest{
					SubjectID:  f.subjectID,
					GuardianID: f.guardians[idx].ID,
				})
				if err != nil {
					return false
				}
				wasActive := len(distinct) >= required
				distinct[idx] = true
				if !wasActive && !res.ProtocolActivated && res.CurrentConfirmations != len(distinct) {
					return false
				}
			}

			st := f.status(t)
			activated := st.ProtocolStatus == domain.StatusActive
			if activated != (len(distinct) >= required) {
				return false
			}
			return f.auditCount(t, domain.AuditProtocolActivated) == map[bool]int{true: 1, false: 0}[activated]
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
