package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
)

const bookingColumns = `id, user_id, reservation_id, court_id, starts_at, ends_at, status,
	hourly_rate::STRING, commission_rate::STRING, amount::STRING, currency,
	payment_deadline, cancellation_reason, created_at, updated_at`

func scanBooking(row scanner) (domain.Booking, error) {
	var (
		b                        domain.Booking
		status                   string
		rate, commission, amount string
	)
	if err := row.Scan(&b.ID, &b.UserID, &b.ReservationID, &b.Interval.CourtID, &b.Interval.Start, &b.Interval.End, &status,
		&rate, &commission, &amount, &b.Currency,
		&b.PaymentDeadline, &b.CancellationReason, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)
	var err error
	if b.HourlyRate, err = parseDecimal(rate); err != nil {
		return domain.Booking{}, err
	}
	if b.CommissionRate, err = parseDecimal(commission); err != nil {
		return domain.Booking{}, err
	}
	if b.Amount, err = parseDecimal(amount); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

func (r *Repository) CreateBooking(ctx context.Context, b domain.Booking) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bookings (id, user_id, reservation_id, court_id, starts_at, ends_at, status,
			hourly_rate, commission_rate, amount, currency,
			payment_deadline, cancellation_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::DECIMAL, $9::DECIMAL, $10::DECIMAL, $11, $12, $13, $14, $15)
	`, b.ID, b.UserID, b.ReservationID, b.Interval.CourtID, b.Interval.Start, b.Interval.End, string(b.Status),
		b.HourlyRate.String(), b.CommissionRate.String(), b.Amount.String(), b.Currency,
		b.PaymentDeadline, b.CancellationReason, b.CreatedAt, b.UpdatedAt)
	return errors.Wrapf(mapErr(err), "insert booking %s", b.ID)
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return domain.Booking{}, errors.Wrapf(mapErr(err), "booking %s", id)
	}
	return b, nil
}

func (r *Repository) GetBookingByReservation(ctx context.Context, reservationID uuid.UUID) (domain.Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reservation_id = $1`, reservationID))
	if err != nil {
		return domain.Booking{}, errors.Wrapf(mapErr(err), "booking for reservation %s", reservationID)
	}
	return b, nil
}

// UpdateBooking writes the mutable booking fields only if the stored row is
// still in status from.
func (r *Repository) UpdateBooking(ctx context.Context, b domain.Booking, from domain.BookingStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bookings SET status = $3, cancellation_reason = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`, b.ID, string(from), string(b.Status), b.CancellationReason, b.UpdatedAt)
	if err != nil {
		return errors.Wrapf(mapErr(err), "update booking %s", b.ID)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "bookings", b.ID, string(from))
	}
	return nil
}

func (r *Repository) CountActiveBookings(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT count(*) FROM bookings WHERE user_id = $1 AND status IN ('pending_payment', 'confirmed')
	`, userID).Scan(&n)
	return n, errors.Wrapf(mapErr(err), "count bookings of %s", userID)
}

func (r *Repository) ListBookingsByUser(ctx context.Context, userID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error) {
	status, from, until := filterArgs(f)
	return r.listBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1 AND ($2::STRING IS NULL OR status = $2)
		AND ($3::TIMESTAMPTZ IS NULL OR starts_at >= $3)
		AND ($4::TIMESTAMPTZ IS NULL OR starts_at < $4)
		ORDER BY starts_at ASC
	`, userID, status, from, until)
}

func (r *Repository) ListBookingsByCourt(ctx context.Context, courtID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error) {
	status, from, until := filterArgs(f)
	return r.listBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE court_id = $1 AND ($2::STRING IS NULL OR status = $2)
		AND ($3::TIMESTAMPTZ IS NULL OR starts_at >= $3)
		AND ($4::TIMESTAMPTZ IS NULL OR starts_at < $4)
		ORDER BY starts_at ASC
	`, courtID, status, from, until)
}

// filterArgs turns unset filter fields into NULL parameters.
func filterArgs(f domain.BookingFilter) (status *string, from, until *time.Time) {
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}
	return status, from, until
}

func (r *Repository) ListUnpaidBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return r.listBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'pending_payment' AND payment_deadline <= $1
		ORDER BY payment_deadline ASC LIMIT $2
	`, now, limit)
}

func (r *Repository) listBookings(ctx context.Context, sql string, args ...any) ([]domain.Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list bookings")
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
