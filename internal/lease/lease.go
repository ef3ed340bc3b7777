// Package lease keeps a named, expiring lock so that only one process owns
// state that cannot be shared, such as the in-memory availability ledger.
package lease

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
)

var (
	ErrHeld = errors.New("lease held by another instance")
	ErrLost = errors.New("lease lost")
)

// Store grants leases. Acquire and Renew report false when another owner
// holds an unexpired lease on name.
type Store interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

type Lease struct {
	store  Store
	name   string
	owner  string
	ttl    time.Duration
	logger observability.Logger
}

// Acquire takes the lease or fails with ErrHeld.
func Acquire(ctx context.Context, store Store, name, owner string, ttl time.Duration, logger observability.Logger) (*Lease, error) {
	ok, err := store.AcquireLease(ctx, name, owner, ttl)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lease %s", name)
	}
	if !ok {
		return nil, errors.Wrapf(ErrHeld, "lease %s", name)
	}
	return &Lease{store: store, name: name, owner: owner, ttl: ttl, logger: logger}, nil
}

// Keep renews the lease every third of its ttl until ctx ends, then releases
// it. It returns ErrLost once another owner takes the lease or renewals have
// failed for a whole ttl.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.release()
			return nil
		case <-ticker.C:
			ok, err := l.store.RenewLease(ctx, l.name, l.owner, l.ttl)
			switch {
			case err == nil && ok:
				renewed = time.Now()
			case err == nil:
				return errors.Wrapf(ErrLost, "lease %s taken over", l.name)
			case ctx.Err() != nil:
				l.release()
				return nil
			default:
				l.logger.WithError(err).WithField("lease", l.name).Warn("lease renewal failed")
				if time.Since(renewed) >= l.ttl {
					return errors.Wrapf(ErrLost, "lease %s not renewed for %s", l.name, l.ttl)
				}
			}
		}
	}
}

func (l *Lease) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.ReleaseLease(ctx, l.name, l.owner); err != nil {
		l.logger.WithError(err).WithField("lease", l.name).Warn("lease release failed")
	}
}
