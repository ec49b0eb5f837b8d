package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
)

// Directory is a read-mostly guardian directory seeded from configuration or tests.
type Directory struct {
	mu        sync.RWMutex
	guardians map[uuid.UUID]domain.Guardian
}

func NewDirectory(guardians ...domain.Guardian) *Directory {
	d := &Directory{guardians: map[uuid.UUID]domain.Guardian{}}
	for _, g := range guardians {
		d.guardians[g.ID] = g
	}
	return d
}

// Put adds or replaces a guardian.
func (d *Directory) Put(g domain.Guardian) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guardians[g.ID] = g
}

func (d *Directory) Get(_ context.Context, id uuid.UUID) (domain.Guardian, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.guardians[id]
	if !ok {
		return domain.Guardian{}, fmt.Errorf("%w: guardian %s", domain.ErrNotFound, id)
	}
	return g, nil
}

func (d *Directory) ListBySubject(_ context.Context, subjectID uuid.UUID) ([]domain.Guardian, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Guardian
	for _, g := range d.guardians {
		if g.SubjectID == subjectID {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b domain.Guardian) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	return domain.SortByPriority(out), nil
}
