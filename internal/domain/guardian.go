package domain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Permissions is the set of resource scopes a guardian may be granted.
type Permissions struct {
	AccessHealthDocs    bool `json:"access_health_docs"`
	AccessFinancialDocs bool `json:"access_financial_docs"`
	IsChildGuardian     bool `json:"is_child_guardian"`
	IsWillExecutor      bool `json:"is_will_executor"`
}

// Guardian is owned by the guardian directory. This service never writes it.
type Guardian struct {
	ID                  uuid.UUID
	SubjectID           uuid.UUID
	Name                string
	Email               string
	Phone               string
	IsActive            bool
	CanTriggerEmergency bool
	Permissions         Permissions
	Priority            int
}

// AuthorizeActivation checks that the guardian may request activation for subjectID.
func (g Guardian) AuthorizeActivation(subjectID uuid.UUID) error {
	switch {
	case g.SubjectID != subjectID:
		return fmt.Errorf("%w: guardian is not assigned to subject", ErrUnauthorized)
	case !g.IsActive:
		return fmt.Errorf("%w: guardian is inactive", ErrUnauthorized)
	case !g.CanTriggerEmergency:
		return fmt.Errorf("%w: guardian cannot trigger emergency activation", ErrUnauthorized)
	}
	return nil
}

// CanTrigger reports whether the guardian is eligible to corroborate an activation.
func (g Guardian) CanTrigger() bool {
	return g.IsActive && g.CanTriggerEmergency
}

// SortByPriority orders guardians by ascending priority value (1 is contacted first).
func SortByPriority(guardians []Guardian) []Guardian {
	out := make([]Guardian, len(guardians))
	copy(out, guardians)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
