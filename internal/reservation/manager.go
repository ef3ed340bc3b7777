// Package reservation manages short-lived holds on court slots.
package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultSlotLength = 60 * time.Minute
	DefaultMaxSpan    = 4 * time.Hour

	// pastGrace tolerates clock skew between client and server.
	pastGrace  = time.Minute
	sweepBatch = 500
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	ActiveReservationByUser(ctx context.Context, userID uuid.UUID) (*domain.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	InsertOutbox(ctx context.Context, e domain.Event) error
}

type Directory interface {
	GetCourt(ctx context.Context, id uuid.UUID) (domain.Court, error)
}

type Manager struct {
	store     Store
	ledger    *ledger.Ledger
	directory Directory
	clk       clock.Clock
	logger    observability.Logger
	users     *keylock.Locker

	ttl        time.Duration
	slotLength time.Duration
	maxSpan    time.Duration
}

type Option func(*Manager)

func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

func WithSlotLength(d time.Duration) Option {
	return func(m *Manager) { m.slotLength = d }
}

func WithMaxSpan(d time.Duration) Option {
	return func(m *Manager) { m.maxSpan = d }
}

// WithUserLocks shares the per-user lock with the booking limit guard.
func WithUserLocks(l *keylock.Locker) Option {
	return func(m *Manager) { m.users = l }
}

func NewManager(store Store, l *ledger.Ledger, dir Directory, clk clock.Clock, logger observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		ledger:     l,
		directory:  dir,
		clk:        clk,
		logger:     logger,
		users:      keylock.New(),
		ttl:        DefaultTTL,
		slotLength: DefaultSlotLength,
		maxSpan:    DefaultMaxSpan,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) validate(iv domain.TimeInterval, now time.Time) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if iv.Start.Before(now.Add(-pastGrace)) {
		return errors.Wrap(domain.ErrInvalidInput, "start is in the past")
	}
	d := iv.Duration()
	if d%m.slotLength != 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "duration %s is not a multiple of %s", d, m.slotLength)
	}
	if d > m.maxSpan {
		return errors.Wrapf(domain.ErrInvalidInput, "duration %s exceeds %s", d, m.maxSpan)
	}
	return nil
}

// CreateHold places a hold for userID on the interval. A user with a usable
// hold gets *domain.ActiveHoldError carrying that hold.
func (m *Manager) CreateHold(ctx context.Context, userID uuid.UUID, iv domain.TimeInterval) (domain.Reservation, error) {
	now := m.clk.Now()
	if err := m.validate(iv, now); err != nil {
		return domain.Reservation{}, err
	}
	if _, err := m.directory.GetCourt(ctx, iv.CourtID); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "court %s", iv.CourtID)
	}

	unlock := m.users.Lock(userID.String())
	defer unlock()

	existing, err := m.store.ActiveReservationByUser(ctx, userID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if existing != nil {
		if existing.UsableAt(m.clk.Now()) {
			observability.HoldsTotal.WithLabelValues("active_hold").Inc()
			return domain.Reservation{}, &domain.ActiveHoldError{Hold: *existing}
		}
		if err := m.expire(ctx, *existing); err != nil {
			return domain.Reservation{}, err
		}
	}

	r := domain.NewReservation(userID, iv, m.clk.Now(), m.ttl)
	occ := ledger.Occupant{
		HolderID:  r.ID,
		Kind:      ledger.KindHold,
		UserID:    userID,
		Interval:  iv,
		ExpiresAt: r.ExpiresAt,
	}
	_, err = m.ledger.TryOccupy(occ, func() error {
		return m.store.WithTx(ctx, func(ctx context.Context) error {
			if err := m.store.CreateReservation(ctx, r); err != nil {
				return err
			}
			return m.store.InsertOutbox(ctx, holdEvent(r, domain.EventHoldCreated, r.CreatedAt))
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrSlotConflict) {
			observability.HoldsTotal.WithLabelValues("conflict").Inc()
		}
		return domain.Reservation{}, err
	}

	observability.HoldsTotal.WithLabelValues("created").Inc()
	m.logger.WithFields(map[string]interface{}{
		"reservation_id": r.ID,
		"user_id":        userID,
		"court_id":       iv.CourtID,
	}).Info("hold created")
	return r, nil
}

// GetActiveHold returns the user's usable hold, or nil. A lapsed hold found on
// the way is expired.
func (m *Manager) GetActiveHold(ctx context.Context, userID uuid.UUID) (*domain.Reservation, error) {
	r, err := m.store.ActiveReservationByUser(ctx, userID)
	if err != nil || r == nil {
		return nil, err
	}
	if r.UsableAt(m.clk.Now()) {
		return r, nil
	}
	if err := m.expire(ctx, *r); err != nil {
		return nil, err
	}
	return nil, nil
}

// ResolveHold loads a reservation owned by userID, expiring it first when it
// has lapsed, so the returned status reflects the current time.
func (m *Manager) ResolveHold(ctx context.Context, reservationID, userID uuid.UUID) (domain.Reservation, error) {
	r, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r.UserID != userID {
		return domain.Reservation{}, errors.Wrapf(domain.ErrForbidden, "reservation %s", reservationID)
	}
	if r.Status == domain.ReservationActive && r.ExpiredAt(m.clk.Now()) {
		if err := m.expire(ctx, r); err != nil {
			return domain.Reservation{}, err
		}
		return m.store.GetReservation(ctx, reservationID)
	}
	return r, nil
}

func (m *Manager) CancelHold(ctx context.Context, reservationID, byUserID uuid.UUID) error {
	unlock := m.users.Lock(byUserID.String())
	defer unlock()

	r, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.UserID != byUserID {
		return errors.Wrapf(domain.ErrForbidden, "reservation %s", reservationID)
	}
	if r.Status != domain.ReservationActive {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s is %s", reservationID, r.Status)
	}
	if r.ExpiredAt(m.clk.Now()) {
		if err := m.expire(ctx, r); err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrHoldExpired, "reservation %s", reservationID)
	}

	h := ledger.Handle{CourtID: r.Interval.CourtID, HolderID: r.ID}
	err = m.ledger.Release(h, func() error {
		return m.store.WithTx(ctx, func(ctx context.Context) error {
			if err := m.store.UpdateReservationStatus(ctx, r.ID, domain.ReservationActive, domain.ReservationCancelled); err != nil {
				return err
			}
			return m.store.InsertOutbox(ctx, holdEvent(r, domain.EventHoldCancelled, m.clk.Now()))
		})
	})
	if err != nil {
		return err
	}
	m.logger.WithField("reservation_id", r.ID).Info("hold cancelled")
	return nil
}

// SweepExpired expires every active hold whose TTL has passed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredReservations(ctx, m.clk.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range expired {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := m.expire(ctx, r); err != nil {
			m.logger.WithError(err).WithField("reservation_id", r.ID).Warn("expire hold failed")
			continue
		}
		n++
	}
	return n, nil
}

// expire marks a lapsed hold expired. Losing the race to a conversion or a
// cancellation is not an error.
func (m *Manager) expire(ctx context.Context, r domain.Reservation) error {
	h := ledger.Handle{CourtID: r.Interval.CourtID, HolderID: r.ID}
	err := m.ledger.Release(h, func() error {
		return m.store.WithTx(ctx, func(ctx context.Context) error {
			if err := m.store.UpdateReservationStatus(ctx, r.ID, domain.ReservationActive, domain.ReservationExpired); err != nil {
				return err
			}
			return m.store.InsertOutbox(ctx, holdEvent(r, domain.EventHoldExpired, m.clk.Now()))
		})
	})
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "expire reservation %s", r.ID)
	}
	m.logger.WithField("reservation_id", r.ID).Debug("hold expired")
	return nil
}

func holdEvent(r domain.Reservation, eventType string, at time.Time) domain.Event {
	return domain.NewEvent("reservation", r.ID, eventType, map[string]interface{}{
		"reservation_id": r.ID,
		"user_id":        r.UserID,
		"court_id":       r.Interval.CourtID,
		"start":          r.Interval.Start,
		"end":            r.Interval.End,
		"expires_at":     r.ExpiresAt,
	}, at)
}
