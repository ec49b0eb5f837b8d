package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/domain"
	"github.com/viralforge/guardian-activation/internal/ports"
)

type outboxRepository struct{ b *binding }

func (r *outboxRepository) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	return r.b.with(func(st *state) error {
		if _, ok := st.outbox[event.EventID]; ok {
			return fmt.Errorf("%w: outbox event %s already enqueued", domain.ErrConflict, event.EventID)
		}
		st.outbox[event.EventID] = ports.OutboxRecord{
			OutboxID:     event.EventID,
			EventType:    event.EventType,
			PartitionKey: event.PartitionKey,
			Payload:      event.Payload,
			CreatedAt:    event.OccurredAt,
		}
		st.outboxOrder = append(st.outboxOrder, event.EventID)
		return nil
	})
}

func (r *outboxRepository) ClaimUnpublished(_ context.Context, limit int, claimToken string, claimUntil time.Time) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, fmt.Errorf("claim token is required")
	}
	now := time.Now().UTC()
	var out []ports.OutboxRecord
	err := r.b.with(func(st *state) error {
		for _, id := range st.outboxOrder {
			if len(out) == limit {
				break
			}
			rec := st.outbox[id]
			if rec.PublishedAt != nil || rec.DeadLetteredAt != nil {
				continue
			}
			if rec.ClaimUntil != nil && !rec.ClaimUntil.Before(now) {
				continue
			}
			token, until := claimToken, claimUntil
			rec.ClaimToken = &token
			rec.ClaimUntil = &until
			st.outbox[id] = rec
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (r *outboxRepository) MarkPublished(_ context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error {
	return r.update(outboxID, claimToken, func(rec *ports.OutboxRecord) {
		rec.PublishedAt = &at
	})
}

func (r *outboxRepository) MarkFailed(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError = &errMsg
	})
}

func (r *outboxRepository) MarkDeadLettered(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError = &errMsg
		rec.DeadLetteredAt = &at
	})
}

// update applies fn only while claimToken still owns the record, then releases the claim.
func (r *outboxRepository) update(outboxID uuid.UUID, claimToken string, fn func(rec *ports.OutboxRecord)) error {
	return r.b.with(func(st *state) error {
		rec, ok := st.outbox[outboxID]
		if !ok || rec.ClaimToken == nil || *rec.ClaimToken != claimToken {
			return nil
		}
		fn(&rec)
		rec.ClaimToken = nil
		rec.ClaimUntil = nil
		st.outbox[outboxID] = rec
		return nil
	})
}
