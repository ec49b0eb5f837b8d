package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
)

// CycleRunner is the slice of the application service the scheduler drives.
type CycleRunner interface {
	RunEvaluationCycle(ctx context.Context, cycleID string) (application.CycleReport, error)
	ExpireLapsedWindows(ctx context.Context) (application.MaintenanceReport, error)
	RunDueActions(ctx context.Context) (int, error)
}

// EvaluationScheduler runs one evaluation cycle per interval, then sweeps
// lapsed quorum windows and due response actions.
type EvaluationScheduler struct {
	logger   *slog.Logger
	runner   CycleRunner
	interval time.Duration
	now      func() time.Time
}

func NewEvaluationScheduler(logger *slog.Logger, runner CycleRunner, interval time.Duration) *EvaluationScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationScheduler{
		logger:   logger.With("module", "events.evaluation_scheduler", "layer", "adapter"),
		runner:   runner,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *EvaluationScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CycleIDFor names the interval bucket containing at. Replicas that tick in the
// same bucket share the id, so a rule fires at most once per bucket.
func CycleIDFor(at time.Time, interval time.Duration) string {
	return "cycle-" + at.UTC().Truncate(interval).Format("20060102T150405Z")
}

// Tick runs one scheduler pass. Each step is independent; a failure is logged
// and the remaining steps still run.
func (s *EvaluationScheduler) Tick(ctx context.Context) {
	cycleID := CycleIDFor(s.now(), s.interval)
	report, err := s.runner.RunEvaluationCycle(ctx, cycleID)
	switch {
	case errors.Is(err, domain.ErrConflict):
		s.logger.InfoContext(ctx, "evaluation cycle skipped; another instance holds the lock",
			"operation", "run_evaluation_cycle",
			"outcome", "skipped",
			"cycle_id", cycleID,
		)
	case err != nil:
		s.logger.ErrorContext(ctx, "evaluation cycle failed",
			"operation", "run_evaluation_cycle",
			"outcome", "failure",
			"cycle_id", cycleID,
			"error", err,
		)
	default:
		s.logger.InfoContext(ctx, "evaluation cycle completed",
			"operation", "run_evaluation_cycle",
			"outcome", "success",
			"cycle_id", cycleID,
			"subjects_evaluated", report.SubjectsEvaluated,
			"rules_triggered", report.RulesTriggered,
			"failures", report.Failures,
		)
	}

	if maint, err := s.runner.ExpireLapsedWindows(ctx); err != nil {
		s.logger.ErrorContext(ctx, "window expiry sweep failed",
			"operation", "expire_lapsed_windows",
			"outcome", "failure",
			"error", err,
		)
	} else if maint.WindowsExpired > 0 || maint.RequestsExpired > 0 {
		s.logger.InfoContext(ctx, "window expiry sweep completed",
			"operation", "expire_lapsed_windows",
			"outcome", "success",
			"windows_expired", maint.WindowsExpired,
			"requests_expired", maint.RequestsExpired,
		)
	}

	if executed, err := s.runner.RunDueActions(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduled actions run failed",
			"operation", "run_due_actions",
			"outcome", "failure",
			"error", err,
		)
	} else if executed > 0 {
		s.logger.InfoContext(ctx, "scheduled actions executed",
			"operation", "run_due_actions",
			"outcome", "success",
			"executed_count", executed,
		)
	}
}
