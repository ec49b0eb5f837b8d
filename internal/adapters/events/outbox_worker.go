package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/ports"
)

// OutboxWorker drains guardian_outbox to the event publisher. Rows are leased
// with a claim token so several workers can run side by side.
type OutboxWorker struct {
	logger     *slog.Logger
	outbox     ports.OutboxRepository
	publisher  ports.EventPublisher
	interval   time.Duration
	batchSize  int
	claimTTL   time.Duration
	maxRetries int
	now        func() time.Time
}

func NewOutboxWorker(
	logger *slog.Logger,
	outbox ports.OutboxRepository,
	publisher ports.EventPublisher,
	interval time.Duration,
	batchSize int,
	claimTTL time.Duration,
	maxRetries int,
) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{
		logger:     logger.With("module", "events.outbox_worker", "layer", "adapter"),
		outbox:     outbox,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		claimTTL:   claimTTL,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run publishes until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BatchResult counts what one pass did with the claimed rows.
type BatchResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

func (w *OutboxWorker) ProcessOnce(ctx context.Context) (BatchResult, error) {
	claimToken := uuid.NewString()
	records, err := w.outbox.ClaimUnpublished(ctx, w.batchSize, claimToken, w.now().Add(w.claimTTL))
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Claimed: len(records)}
	for _, rec := range records {
		now := w.now()
		if rec.RetryCount >= w.maxRetries {
			res.DeadLettered++
			w.mark(ctx, rec, w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, "retry threshold reached before publish", now))
			continue
		}

		pubErr := w.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey)
		if pubErr == nil {
			res.Published++
			w.mark(ctx, rec, w.outbox.MarkPublished(ctx, rec.OutboxID, claimToken, now))
			continue
		}

		res.Failed++
		attempts := rec.RetryCount + 1
		if attempts >= w.maxRetries {
			res.DeadLettered++
			w.logger.ErrorContext(ctx, "outbox message dead-lettered",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.OutboxID,
				"event_type", rec.EventType,
				"retry_count", attempts,
				"error", pubErr,
			)
			w.mark(ctx, rec, w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, pubErr.Error(), now))
			continue
		}
		w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
			"operation", "publish_event",
			"outcome", "failure",
			"outbox_id", rec.OutboxID,
			"event_type", rec.EventType,
			"retry_count", attempts,
			"error", pubErr,
		)
		w.mark(ctx, rec, w.outbox.MarkFailed(ctx, rec.OutboxID, claimToken, pubErr.Error(), now))
	}

	if res.Claimed > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", res.Claimed,
			"published_count", res.Published,
			"failed_count", res.Failed,
			"dead_lettered_count", res.DeadLettered,
		)
	}
	return res, nil
}

// mark logs a bookkeeping failure; the lease expires and the row is retried.
func (w *OutboxWorker) mark(ctx context.Context, rec ports.OutboxRecord, err error) {
	if err == nil {
		return
	}
	w.logger.WarnContext(ctx, "outbox bookkeeping failed",
		"operation", "mark_outbox",
		"outcome", "failure",
		"outbox_id", rec.OutboxID,
		"error", err,
	)
}
