// Package memory is the in-process storage adapter used by tests and by single
// node deployments without Postgres.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

type state struct {
	subjects      map[uuid.UUID]domain.Subject
	requests      map[uuid.UUID]domain.ActivationRequest
	grants        map[uuid.UUID]domain.AccessGrant
	rules         map[uuid.UUID]domain.Rule
	ruleMarkers   map[string]struct{}
	audit         []domain.AuditEntry
	notifications []domain.NotificationRecord
	healthChecks  []domain.HealthCheck
	attempts      []domain.AccessAttempt
	scheduled     map[uuid.UUID]domain.ScheduledAction
	outbox        map[uuid.UUID]ports.OutboxRecord
	outboxOrder   []uuid.UUID
}

func newState() *state {
	return &state{
		subjects:    map[uuid.UUID]domain.Subject{},
		requests:    map[uuid.UUID]domain.ActivationRequest{},
		grants:      map[uuid.UUID]domain.AccessGrant{},
		rules:       map[uuid.UUID]domain.Rule{},
		ruleMarkers: map[string]struct{}{},
		scheduled:   map[uuid.UUID]domain.ScheduledAction{},
		outbox:      map[uuid.UUID]ports.OutboxRecord{},
	}
}

// clone copies every container. Stored values are replaced on write, never
// mutated in place, so a shallow copy of each value is enough.
func (s *state) clone() *state {
	return &state{
		subjects:      cloneMap(s.subjects),
		requests:      cloneMap(s.requests),
		grants:        cloneMap(s.grants),
		rules:         cloneMap(s.rules),
		ruleMarkers:   cloneMap(s.ruleMarkers),
		audit:         slices.Clone(s.audit),
		notifications: slices.Clone(s.notifications),
		healthChecks:  slices.Clone(s.healthChecks),
		attempts:      slices.Clone(s.attempts),
		scheduled:     cloneMap(s.scheduled),
		outbox:        cloneMap(s.outbox),
		outboxOrder:   slices.Clone(s.outboxOrder),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Store keeps all protocol state in memory. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot.
type Store struct {
	mu sync.Mutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

func (s *Store) Repositories() ports.Repositories {
	return s.bind(false)
}

func (s *Store) WithinTx(ctx context.Context, fn func(repos ports.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(s.bind(true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) bind(inTx bool) ports.Repositories {
	b := &binding{store: s, inTx: inTx}
	return ports.Repositories{
		Subjects:         &subjectRepository{b},
		Requests:         &requestRepository{b},
		Grants:           &grantRepository{b},
		Rules:            &ruleRepository{b},
		Audit:            &auditRepository{b},
		Notifications:    &notificationRepository{b},
		HealthChecks:     &healthCheckRepository{b},
		AccessAttempts:   &accessAttemptRepository{b},
		ScheduledActions: &scheduledActionRepository{b},
		Outbox:           &outboxRepository{b},
	}
}

// binding runs repository calls against the store. Calls made inside WithinTx
// already hold the lock.
type binding struct {
	store *Store
	inTx  bool
}

func (b *binding) with(fn func(st *state) error) error {
	if !b.inTx {
		b.store.mu.Lock()
		defer b.store.mu.Unlock()
	}
	return fn(b.store.st)
}
