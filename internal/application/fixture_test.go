package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/adapters/memory"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	service   *application.Service
	store     *memory.Store
	directory *memory.Directory
	notifier  *recordingNotifier
	clock     *testClock
	subjectID uuid.UUID
	guardians []domain.Guardian
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	wrapStore   func(*memory.Store) ports.Store
	limiter     ports.RateLimiter
	cycleLock   ports.CycleLock
	appConfig   application.Config
	lastActive  time.Duration
	tick        time.Duration
	noTriggerAt map[int]bool
}

func withStore(wrap func(*memory.Store) ports.Store) fixtureOption {
	return func(c *fixtureConfig) { c.wrapStore = wrap }
}

func withLimiter(l ports.RateLimiter) fixtureOption {
	return func(c *fixtureConfig) { c.limiter = l }
}

func withCycleLock(l ports.CycleLock) fixtureOption {
	return func(c *fixtureConfig) { c.cycleLock = l }
}

// withTickingClock makes every clock read advance time by step.
func withTickingClock(step time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.tick = step }
}

// withInactivity backdates the subject's last activity.
func withInactivity(d time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.lastActive = d }
}

// withoutTriggerRight clears can_trigger_emergency on the guardian at index i.
func withoutTriggerRight(i int) fixtureOption {
	return func(c *fixtureConfig) { c.noTriggerAt[i] = true }
}

func newFixture(t *testing.T, guardians, required int, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{noTriggerAt: map[int]bool{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	mem := memory.NewStore()
	var store ports.Store = mem
	if cfg.wrapStore != nil {
		store = cfg.wrapStore(mem)
	}

	f := &fixture{
		store:     mem,
		directory: memory.NewDirectory(),
		notifier:  newRecordingNotifier(),
		clock:     &testClock{now: epoch, step: cfg.tick},
		subjectID: uuid.New(),
	}
	for i := 0; i < guardians; i++ {
		g := domain.Guardian{
			ID:                  uuid.New(),
			SubjectID:           f.subjectID,
			Name:                fmt.Sprintf("guardian-%d", i+1),
			Email:               fmt.Sprintf("guardian-%d@example.com", i+1),
			IsActive:            true,
			CanTriggerEmergency: !cfg.noTriggerAt[i],
			Permissions:         domain.Permissions{AccessHealthDocs: true, IsWillExecutor: i == 0},
			Priority:            i + 1,
		}
		f.guardians = append(f.guardians, g)
		f.directory.Put(g)
	}

	f.service = application.NewService(application.Dependencies{
		Config:      cfg.appConfig,
		Store:       store,
		Guardians:   f.directory,
		Notifier:    f.notifier,
		Random:      &seqRandom{},
		Hasher:      plainHasher{},
		RateLimiter: cfg.limiter,
		CycleLock:   cfg.cycleLock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       f.clock.Now,
	})

	ctx := context.Background()
	lastActivity := epoch.Add(-cfg.lastActive)
	if _, err := f.service.InitializeSubject(ctx, f.subjectID, &lastActivity); err != nil {
		t.Fatalf("initialize subject: %v", err)
	}
	enabled := true
	if _, err := f.service.UpdateSettings(ctx, f.subjectID, application.SettingsUpdate{
		IsEnabled:             &enabled,
		RequiredConfirmations: &required,
	}, "admin:test"); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	return f
}

func (f *fixture) submit(t *testing.T, guardianIdx int) application.ActivationResult {
	t.Helper()
	res, err := f.service.SubmitActivation(context.Background(), application.SubmitActivationRequest{
		SubjectID:  f.subjectID,
		GuardianID: f.guardians[guardianIdx].ID,
	})
	if err != nil {
		t.Fatalf("submit activation for guardian %d: %v", guardianIdx, err)
	}
	return res
}

func (f *fixture) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := f.service.ListAudit(context.Background(), f.subjectID, 1000)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	n := 0
	for _, e := range entries {
		if !e.Intact {
			t.Fatalf("audit entry %s failed digest verification", e.ID)
		}
		if e.Action == action {
			n++
		}
	}
	return n
}

func (f *fixture) status(t *testing.T) application.ActivationStatus {
	t.Helper()
	st, err := f.service.ActivationStatus(context.Background(), f.subjectID)
	if err != nil {
		t.Fatalf("activation status: %v", err)
	}
	return st
}

type testClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqRandom yields unique, predictable secrets.
type seqRandom struct {
	next atomic.Int64
}

func (r *seqRandom) Token(n int) (string, error) {
	return fmt.Sprintf("tok-%d-%06d", n, r.next.Add(1)), nil
}

func (r *seqRandom) Digits(n int) (string, error) {
	s := fmt.Sprintf("%0*d", n, r.next.Add(1))
	return s[len(s)-n:], nil
}

type plainHasher struct{}

func (plainHasher) Hash(code string) (string, error) { return "plain:" + code, nil }

func (plainHasher) Compare(hash, code string) error {
	if hash != "plain:"+code {
		return errors.New("mismatch")
	}
	return nil
}

type delivery struct {
	to domain.Guardian
	n  domain.Notification
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []delivery
	failFor map[uuid.UUID]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failFor: map[uuid.UUID]bool{}}
}

func (r *recordingNotifier) Notify(_ context.Context, to domain.Guardian, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[to.ID] {
		return errors.New("channel unavailable")
	}
	r.sent = append(r.sent, delivery{to: to, n: n})
	return nil
}

func (r *recordingNotifier) failDeliveriesTo(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFor[id] = true
}

func (r *recordingNotifier) find(guardianID uuid.UUID, typ domain.NotificationType) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, d := range r.sent {
		if d.to.ID == guardianID && d.n.Type == typ {
			out = append(out, d.n)
		}
	}
	return out
}

func (r *recordingNotifier) count(typ domain.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.sent {
		if d.n.Type == typ {
			n++
		}
	}
	return n
}
