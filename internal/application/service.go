package application

import (
	"log/slog"
	"time"

	"github.com/viralforge/guardian-activation/internal/observability"
	"github.com/viralforge/guardian-activation/internal/ports"
)

// Config holds the protocol tunables.
type Config struct {
	QuorumWindow       time.Duration
	RequestTokenTTL    time.Duration
	GrantTTL           time.Duration
	SubmissionLimit    int
	SubmissionWindow   time.Duration
	CycleLockTTL       time.Duration
	CyclePageSize      int
	ScheduledBatchSize int
	ExpiryBatchSize    int
}

func (c Config) withDefaults() Config {
	if c.QuorumWindow <= 0 {
		c.QuorumWindow = 24 * time.Hour
	}
	if c.RequestTokenTTL <= 0 {
		c.RequestTokenTTL = 7 * 24 * time.Hour
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = 30 * 24 * time.Hour
	}
	if c.SubmissionLimit <= 0 {
		c.SubmissionLimit = 10
	}
	if c.SubmissionWindow <= 0 {
		c.SubmissionWindow = time.Hour
	}
	if c.CycleLockTTL <= 0 {
		c.CycleLockTTL = 10 * time.Minute
	}
	if c.CyclePageSize <= 0 {
		c.CyclePageSize = 100
	}
	if c.ScheduledBatchSize <= 0 {
		c.ScheduledBatchSize = 100
	}
	if c.ExpiryBatchSize <= 0 {
		c.ExpiryBatchSize = 100
	}
	return c
}

// Service implements the coordinator, issuer, detection engine and dispatcher
// use cases on top of the ports.
type Service struct {
	cfg       Config
	store     ports.Store
	guardians ports.GuardianDirectory
	notifier  ports.Notifier
	random    ports.RandomSource
	hasher    ports.CodeHasher
	limiter   ports.RateLimiter
	cycleLock ports.CycleLock
	rules     ports.RuleDocumentValidator
	metrics   *observability.Metrics
	logger    *slog.Logger
	nowFn     func() time.Time
}

type Dependencies struct {
	Config        Config
	Store         ports.Store
	Guardians     ports.GuardianDirectory
	Notifier      ports.Notifier
	Random        ports.RandomSource
	Hasher        ports.CodeHasher
	RateLimiter   ports.RateLimiter
	CycleLock     ports.CycleLock
	RuleValidator ports.RuleDocumentValidator
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func NewService(deps Dependencies) *Service {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:       deps.Config.withDefaults(),
		store:     deps.Store,
		guardians: deps.Guardians,
		notifier:  deps.Notifier,
		random:    deps.Random,
		hasher:    deps.Hasher,
		limiter:   deps.RateLimiter,
		cycleLock: deps.CycleLock,
		rules:     deps.RuleValidator,
		metrics:   metrics,
		logger:    logger.With("module", "application", "layer", "application"),
		nowFn:     nowFn,
	}
}
