package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
)

// InsertOutbox stores e in the caller's transaction. An event with a dedupe
// key already present is dropped.
func (r *Repository) InsertOutbox(ctx context.Context, e domain.Event) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, e.ID, e.AggregateType, e.AggregateID, e.Type, e.Payload, e.DedupeKey, e.CreatedAt)
	return errors.Wrapf(mapErr(err), "insert outbox %s", e.DedupeKey)
}

// GetUnpublishedOutbox locks up to limit pending events when called inside
// WithTx, so concurrent relays skip each other's batches.
func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, dedupe_key, created_at, published_at
		FROM outbox WHERE published_at IS NULL ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list outbox")
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Type, &e.Payload, &e.DedupeKey, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE outbox SET published_at = $2 WHERE id = $1
	`, id, publishedAt)
	if err != nil {
		return errors.Wrapf(mapErr(err), "mark outbox %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "outbox event %s", id)
	}
	return nil
}
