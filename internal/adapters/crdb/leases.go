package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/lease"
)

var _ lease.Store = (*Repository)(nil)

// AcquireLease takes name when it is free, expired or already ours. Expiry
// uses the cluster clock so instances with skewed clocks agree.
func (r *Repository) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::INT8 * INTERVAL '1 millisecond'))
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at < now() OR leases.owner = excluded.owner
	`, name, owner, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrapf(mapErr(err), "acquire lease %s", name)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE leases SET expires_at = now() + ($3::INT8 * INTERVAL '1 millisecond')
		WHERE name = $1 AND owner = $2
	`, name, owner, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrapf(mapErr(err), "renew lease %s", name)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	return errors.Wrapf(mapErr(err), "release lease %s", name)
}
