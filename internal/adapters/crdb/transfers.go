package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment/manual"
)

var _ manual.Store = (*Repository)(nil)

func (r *Repository) CreateTransfer(ctx context.Context, t manual.Transfer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO manual_transfers (reference, status, amount, reason)
		VALUES ($1, $2, $3::DECIMAL, $4)
		ON CONFLICT (reference) DO NOTHING
	`, t.Reference, string(t.Status), t.Amount.String(), t.Reason)
	return errors.Wrapf(mapErr(err), "insert transfer %s", t.Reference)
}

func (r *Repository) GetTransfer(ctx context.Context, reference string) (manual.Transfer, error) {
	var (
		t      manual.Transfer
		status string
		amount string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT reference, status, amount::STRING, reason FROM manual_transfers WHERE reference = $1
	`, reference).Scan(&t.Reference, &status, &amount, &t.Reason)
	if err != nil {
		return manual.Transfer{}, errors.Wrapf(mapErr(err), "transfer %s", reference)
	}
	t.Status = payment.Status(status)
	if t.Amount, err = parseDecimal(amount); err != nil {
		return manual.Transfer{}, err
	}
	return t, nil
}

// SaveTransfer records the latest reported outcome for a reference.
func (r *Repository) SaveTransfer(ctx context.Context, t manual.Transfer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPSERT INTO manual_transfers (reference, status, amount, reason, updated_at)
		VALUES ($1, $2, $3::DECIMAL, $4, now())
	`, t.Reference, string(t.Status), t.Amount.String(), t.Reason)
	return errors.Wrapf(mapErr(err), "save transfer %s", t.Reference)
}
