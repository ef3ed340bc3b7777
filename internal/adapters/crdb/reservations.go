package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const reservationColumns = `id, user_id, court_id, starts_at, ends_at, status, created_at, expires_at`

func scanReservation(row scanner) (domain.Reservation, error) {
	var (
		r      domain.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Interval.CourtID, &r.Interval.Start, &r.Interval.End, &status, &r.CreatedAt, &r.ExpiresAt)
	r.Status = domain.ReservationStatus(status)
	return r, err
}

func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, res.ID, res.UserID, res.Interval.CourtID, res.Interval.Start, res.Interval.End, string(res.Status), res.CreatedAt, res.ExpiresAt)
	return errors.Wrapf(mapErr(err), "insert reservation %s", res.ID)
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id))
	if err != nil {
		return domain.Reservation{}, errors.Wrapf(mapErr(err), "reservation %s", id)
	}
	return res, nil
}

// ActiveReservationByUser returns nil when the user holds nothing.
func (r *Repository) ActiveReservationByUser(ctx context.Context, userID uuid.UUID) (*domain.Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 AND status = 'active'
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(mapErr(err), "active reservation of %s", userID)
	}
	return &res, nil
}

// UpdateReservationStatus moves the reservation from one status to another
// and fails with domain.ErrConcurrentUpdate if it is no longer in from.
func (r *Repository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reservations SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return errors.Wrapf(mapErr(err), "update reservation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "reservations", id, string(from))
	}
	return nil
}

func (r *Repository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list expired reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ActiveOccupancies returns every live hold and active booking, for rebuilding
// the availability ledger on start.
func (r *Repository) ActiveOccupancies(ctx context.Context, now time.Time) ([]ledger.Occupant, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, 'hold'::STRING, user_id, court_id, starts_at, ends_at, expires_at
		FROM reservations WHERE status = 'active' AND expires_at > $1
		UNION ALL
		SELECT id, 'booking'::STRING, user_id, court_id, starts_at, ends_at, NULL::TIMESTAMPTZ
		FROM bookings WHERE status IN ('pending_payment', 'confirmed')
	`, now)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list occupancies")
	}
	defer rows.Close()

	var out []ledger.Occupant
	for rows.Next() {
		var (
			o         ledger.Occupant
			kind      string
			expiresAt *time.Time
		)
		if err := rows.Scan(&o.HolderID, &kind, &o.UserID, &o.Interval.CourtID, &o.Interval.Start, &o.Interval.End, &expiresAt); err != nil {
			return nil, err
		}
		o.Kind = ledger.KindBooking
		if kind == "hold" {
			o.Kind = ledger.KindHold
		}
		if expiresAt != nil {
			o.ExpiresAt = *expiresAt
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// casMiss explains a compare-and-set update that touched no rows.
func (r *Repository) casMiss(ctx context.Context, table string, id uuid.UUID, from string) error {
	var status string
	err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "%s %s", table, id)
	}
	if err != nil {
		return mapErr(err)
	}
	return errors.Wrapf(domain.ErrConcurrentUpdate, "%s %s is %s, not %s", table, id, status, from)
}
