// Package limit caps the number of active bookings a user may hold.
package limit

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/google/uuid"
)

const DefaultMax = 5

// Counter counts a user's pending_payment and confirmed bookings.
type Counter interface {
	CountActiveBookings(ctx context.Context, userID uuid.UUID) (int, error)
}

type Guard struct {
	counter Counter
	max     int
	users   *keylock.Locker
}

// NewGuard shares users with the reservation manager so a user's hold and
// booking operations are serialized by the same lock.
func NewGuard(counter Counter, max int, users *keylock.Locker) *Guard {
	if max < 1 {
		max = DefaultMax
	}
	if users == nil {
		users = keylock.New()
	}
	return &Guard{counter: counter, max: max, users: users}
}

func (g *Guard) Max() int { return g.max }

// CheckAndReserveSlotCount enters the user's critical section and checks the
// active booking count. On success the section stays held until release is
// called, which the caller does after its booking insert commits or fails.
func (g *Guard) CheckAndReserveSlotCount(ctx context.Context, userID uuid.UUID) (func(), error) {
	unlock := g.users.Lock(userID.String())

	n, err := g.counter.CountActiveBookings(ctx, userID)
	if err != nil {
		unlock()
		return nil, errors.Wrap(err, "count active bookings")
	}
	if n >= g.max {
		unlock()
		return nil, errors.WithHint(
			errors.Wrapf(domain.ErrLimitExceeded, "user %s has %d active bookings", userID, n),
			"cancel or complete an existing booking before creating another")
	}
	return unlock, nil
}
