package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, booking_id, user_id, idempotency_key, provider, provider_payment_id, approval_url,
	amount::STRING, currency, status, refunded_amount::STRING, capture_key, capture_started_at, captured_at,
	needs_reconcile, failure_reason, created_at, updated_at`

func scanPayment(row scanner) (domain.Payment, error) {
	var (
		p                domain.Payment
		status           string
		amount, refunded string
	)
	if err := row.Scan(&p.ID, &p.BookingID, &p.UserID, &p.IdempotencyKey, &p.Provider, &p.ProviderPaymentID, &p.ApprovalURL,
		&amount, &p.Currency, &status, &refunded, &p.CaptureKey, &p.CaptureStartedAt, &p.CapturedAt,
		&p.NeedsReconcile, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.Status = domain.PaymentStatus(status)
	var err error
	if p.Amount, err = parseDecimal(amount); err != nil {
		return domain.Payment{}, err
	}
	if p.RefundedAmount, err = parseDecimal(refunded); err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

func (r *Repository) CreatePayment(ctx context.Context, p domain.Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, booking_id, user_id, idempotency_key, provider, provider_payment_id, approval_url,
			amount, currency, status, refunded_amount, capture_key, capture_started_at, captured_at,
			needs_reconcile, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::DECIMAL, $9, $10, $11::DECIMAL, $12, $13, $14, $15, $16, $17, $18)
	`, p.ID, p.BookingID, p.UserID, p.IdempotencyKey, p.Provider, p.ProviderPaymentID, p.ApprovalURL,
		p.Amount.String(), p.Currency, string(p.Status), p.RefundedAmount.String(), p.CaptureKey, p.CaptureStartedAt, p.CapturedAt,
		p.NeedsReconcile, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	return errors.Wrapf(mapErr(err), "insert payment %s", p.ID)
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	return r.getPayment(ctx, `id = $1`, id)
}

func (r *Repository) GetPaymentByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return r.getPayment(ctx, `idempotency_key = $1`, key)
}

func (r *Repository) GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (domain.Payment, error) {
	return r.getPayment(ctx, `booking_id = $1`, bookingID)
}

func (r *Repository) GetPaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (domain.Payment, error) {
	return r.getPayment(ctx, `provider = $1 AND provider_payment_id = $2 AND provider_payment_id != ''`, provider, providerPaymentID)
}

func (r *Repository) getPayment(ctx context.Context, where string, args ...any) (domain.Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, args...))
	if err != nil {
		return domain.Payment{}, errors.Wrapf(mapErr(err), "payment where %s", where)
	}
	return p, nil
}

func (r *Repository) UpdatePayment(ctx context.Context, p domain.Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET provider_payment_id = $2, approval_url = $3, status = $4,
			refunded_amount = $5::DECIMAL, capture_key = $6, capture_started_at = $7, captured_at = $8,
			needs_reconcile = $9, failure_reason = $10, updated_at = $11
		WHERE id = $1
	`, p.ID, p.ProviderPaymentID, p.ApprovalURL, string(p.Status),
		p.RefundedAmount.String(), p.CaptureKey, p.CaptureStartedAt, p.CapturedAt,
		p.NeedsReconcile, p.FailureReason, p.UpdatedAt)
	if err != nil {
		return errors.Wrapf(mapErr(err), "update payment %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "payment %s", p.ID)
	}
	return nil
}

// ClaimCapture records key as the capture key if no capture has been claimed
// yet. It always returns the stored payment.
func (r *Repository) ClaimCapture(ctx context.Context, id uuid.UUID, key string, now time.Time) (domain.Payment, bool, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `
		UPDATE payments SET capture_key = $2, capture_started_at = $3, updated_at = $3
		WHERE id = $1 AND capture_key = '' AND status = 'created'
		RETURNING `+paymentColumns, id, key, now))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, false, errors.Wrapf(mapErr(err), "claim capture %s", id)
	}
	p, err = r.GetPayment(ctx, id)
	return p, false, err
}

func (r *Repository) ListReconcilePending(ctx context.Context, limit int) ([]domain.Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE needs_reconcile ORDER BY updated_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list reconcile pending")
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const (
	refundColumns       = `id, payment_id, idempotency_key, amount::STRING, currency, reason, provider_refund_id, status, created_at, updated_at`
	refundColumnsInsert = `id, payment_id, idempotency_key, amount, currency, reason, provider_refund_id, status, created_at, updated_at`
)

func scanRefund(row scanner) (domain.Refund, error) {
	var (
		rf     domain.Refund
		amount string
		status string
	)
	if err := row.Scan(&rf.ID, &rf.PaymentID, &rf.IdempotencyKey, &amount, &rf.Currency, &rf.Reason, &rf.ProviderRefundID, &status, &rf.CreatedAt, &rf.UpdatedAt); err != nil {
		return domain.Refund{}, err
	}
	rf.Status = domain.RefundStatus(status)
	var err error
	rf.Amount, err = parseDecimal(amount)
	return rf, err
}

func (r *Repository) CreateRefund(ctx context.Context, rf domain.Refund) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO refunds (`+refundColumnsInsert+`)
		VALUES ($1, $2, $3, $4::DECIMAL, $5, $6, $7, $8, $9, $10)
	`, rf.ID, rf.PaymentID, rf.IdempotencyKey, rf.Amount.String(), rf.Currency, rf.Reason, rf.ProviderRefundID, string(rf.Status), rf.CreatedAt, rf.UpdatedAt)
	return errors.Wrapf(mapErr(err), "insert refund %s", rf.IdempotencyKey)
}

func (r *Repository) GetRefundByKey(ctx context.Context, key string) (domain.Refund, error) {
	rf, err := scanRefund(r.conn(ctx).QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = $1`, key))
	if err != nil {
		return domain.Refund{}, errors.Wrapf(mapErr(err), "refund %s", key)
	}
	return rf, nil
}

func (r *Repository) UpdateRefund(ctx context.Context, rf domain.Refund) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE refunds SET provider_refund_id = $2, status = $3, updated_at = $4 WHERE id = $1
	`, rf.ID, rf.ProviderRefundID, string(rf.Status), rf.UpdatedAt)
	if err != nil {
		return errors.Wrapf(mapErr(err), "update refund %s", rf.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "refund %s", rf.ID)
	}
	return nil
}

func (r *Repository) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+refundColumns+` FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC
	`, paymentID)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "list refunds")
	}
	defer rows.Close()

	var out []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}
