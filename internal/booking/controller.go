// Package booking drives a booking from a converted hold through payment,
// cancellation and expiry.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/edbertswd/court-reservations-and-payments/internal/limit"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultPaymentTimeout = 15 * time.Minute
	DefaultCancelCutoff   = 2 * time.Hour

	sweepBatch = 500
)

var DefaultCommission = decimal.NewFromFloat(0.10)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) error
	CreateBooking(ctx context.Context, b domain.Booking) error
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	GetBookingByReservation(ctx context.Context, reservationID uuid.UUID) (domain.Booking, error)
	UpdateBooking(ctx context.Context, b domain.Booking, from domain.BookingStatus) error
	ListBookingsByUser(ctx context.Context, userID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error)
	ListBookingsByCourt(ctx context.Context, courtID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error)
	ListUnpaidBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
	GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (domain.Payment, error)
	InsertOutbox(ctx context.Context, e domain.Event) error
}

type Holds interface {
	ResolveHold(ctx context.Context, reservationID, userID uuid.UUID) (domain.Reservation, error)
}

type Directory interface {
	GetCourt(ctx context.Context, id uuid.UUID) (domain.Court, error)
}

// Refunder returns the captured funds of a booking being cancelled.
type Refunder interface {
	RefundForCancellation(ctx context.Context, b domain.Booking, reason string) error
}

type ActivityRecorder interface {
	Record(ctx context.Context, action string, entityID uuid.UUID, data map[string]interface{})
}

type Controller struct {
	store     Store
	ledger    *ledger.Ledger
	guard     *limit.Guard
	holds     Holds
	directory Directory
	audit     ActivityRecorder
	refunder  Refunder
	clk       clock.Clock
	logger    observability.Logger
	bookings  *keylock.Locker

	paymentTimeout time.Duration
	cancelCutoff   time.Duration
	commission     decimal.Decimal
}

type Option func(*Controller)

func WithPaymentTimeout(d time.Duration) Option {
	return func(c *Controller) { c.paymentTimeout = d }
}

func WithCancelCutoff(d time.Duration) Option {
	return func(c *Controller) { c.cancelCutoff = d }
}

func WithCommission(rate decimal.Decimal) Option {
	return func(c *Controller) { c.commission = rate }
}

func NewController(
	store Store,
	l *ledger.Ledger,
	guard *limit.Guard,
	holds Holds,
	dir Directory,
	audit ActivityRecorder,
	clk clock.Clock,
	logger observability.Logger,
	opts ...Option,
) *Controller {
	c := &Controller{
		store:          store,
		ledger:         l,
		guard:          guard,
		holds:          holds,
		directory:      dir,
		audit:          audit,
		clk:            clk,
		logger:         logger,
		bookings:       keylock.New(),
		paymentTimeout: DefaultPaymentTimeout,
		cancelCutoff:   DefaultCancelCutoff,
		commission:     DefaultCommission,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachRefunder wires the payment side in after both are constructed.
func (c *Controller) AttachRefunder(r Refunder) {
	c.refunder = r
}

// CreateFromHold converts a usable hold into a pending_payment booking.
// Converting the same hold again returns the booking it already produced.
func (c *Controller) CreateFromHold(ctx context.Context, userID, reservationID uuid.UUID) (domain.Booking, error) {
	hold, err := c.holds.ResolveHold(ctx, reservationID, userID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b, done, err := c.converted(ctx, hold); done {
		return b, err
	}
	court, err := c.directory.GetCourt(ctx, hold.Interval.CourtID)
	if err != nil {
		return domain.Booking{}, err
	}

	release, err := c.guard.CheckAndReserveSlotCount(ctx, userID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer release()

	// Re-read under the user lock; a concurrent conversion may have won.
	hold, err = c.holds.ResolveHold(ctx, reservationID, userID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b, done, err := c.converted(ctx, hold); done {
		return b, err
	}

	b := domain.NewBooking(hold, court, c.commission, c.clk.Now(), c.paymentTimeout)
	occ := ledger.Occupant{
		HolderID: b.ID,
		Kind:     ledger.KindBooking,
		UserID:   userID,
		Interval: b.Interval,
	}
	_, err = c.ledger.Transfer(hold.Interval.CourtID, hold.ID, occ, func() error {
		return c.store.WithTx(ctx, func(ctx context.Context) error {
			if err := c.store.UpdateReservationStatus(ctx, hold.ID, domain.ReservationActive, domain.ReservationConverted); err != nil {
				return err
			}
			if err := c.store.CreateBooking(ctx, b); err != nil {
				return err
			}
			return c.store.InsertOutbox(ctx, bookingEvent(b, domain.EventBookingCreated, b.CreatedAt))
		})
	})
	if err != nil {
		return domain.Booking{}, err
	}

	c.transitioned(ctx, b, "booking.created")
	return b, nil
}

// converted reports whether the hold can no longer be converted, returning
// the existing booking for a hold that already was.
func (c *Controller) converted(ctx context.Context, hold domain.Reservation) (domain.Booking, bool, error) {
	switch hold.Status {
	case domain.ReservationActive:
		return domain.Booking{}, false, nil
	case domain.ReservationConverted:
		b, err := c.store.GetBookingByReservation(ctx, hold.ID)
		return b, true, err
	default:
		return domain.Booking{}, true, errors.Wrapf(domain.ErrHoldExpired, "reservation %s is %s", hold.ID, hold.Status)
	}
}

func (c *Controller) Get(ctx context.Context, bookingID uuid.UUID, p requestctx.Principal) (domain.Booking, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.UserID == p.UserID {
		return b, nil
	}
	court, err := c.directory.GetCourt(ctx, b.Interval.CourtID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !court.ManagedBy(p.UserID) {
		return domain.Booking{}, errors.Wrapf(domain.ErrForbidden, "booking %s", bookingID)
	}
	return b, nil
}

// ListForUser lists userID's bookings; upcoming keeps only those that have
// not started yet.
func (c *Controller) ListForUser(ctx context.Context, userID uuid.UUID, status *domain.BookingStatus, upcoming bool) ([]domain.Booking, error) {
	f := domain.BookingFilter{Status: status}
	if upcoming {
		f.From = c.clk.Now()
	}
	return c.store.ListBookingsByUser(ctx, userID, f)
}

// ListForCourt lists a court's bookings for one of its managers, optionally
// limited to the calendar day of day.
func (c *Controller) ListForCourt(ctx context.Context, courtID uuid.UUID, p requestctx.Principal, status *domain.BookingStatus, day *time.Time) ([]domain.Booking, error) {
	court, err := c.directory.GetCourt(ctx, courtID)
	if err != nil {
		return nil, err
	}
	if !court.ManagedBy(p.UserID) {
		return nil, errors.Wrapf(domain.ErrForbidden, "court %s", courtID)
	}
	f := domain.BookingFilter{Status: status}
	if day != nil {
		f.From = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		f.Until = f.From.AddDate(0, 0, 1)
	}
	return c.store.ListBookingsByCourt(ctx, courtID, f)
}

// Confirm marks a pending booking paid. Confirming twice is a no-op.
func (c *Controller) Confirm(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	unlock := c.bookings.Lock(bookingID.String())
	defer unlock()

	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.Status == domain.BookingConfirmed {
		return b, nil
	}
	now := c.clk.Now()
	if err := b.Transition(domain.BookingConfirmed, now); err != nil {
		return domain.Booking{}, err
	}
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.UpdateBooking(ctx, b, domain.BookingPendingPayment); err != nil {
			return err
		}
		return c.store.InsertOutbox(ctx, bookingEvent(b, domain.EventBookingConfirmed, now))
	})
	if err != nil {
		return domain.Booking{}, err
	}

	c.transitioned(ctx, b, "booking.confirmed")
	return b, nil
}

// ExpireUnpaid moves a pending booking to expired and frees its slot.
func (c *Controller) ExpireUnpaid(ctx context.Context, bookingID uuid.UUID, reason string) error {
	unlock := c.bookings.Lock(bookingID.String())
	defer unlock()

	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status == domain.BookingExpired {
		return nil
	}
	now := c.clk.Now()
	if err := b.Transition(domain.BookingExpired, now); err != nil {
		return err
	}
	b.CancellationReason = reason
	if err := c.release(ctx, b, domain.BookingPendingPayment, domain.EventBookingExpired, now); err != nil {
		return err
	}

	c.transitioned(ctx, b, "booking.expired")
	return nil
}

// Cancel cancels a booking on behalf of its owner or a manager of the court.
// A confirmed booking is refunded before its slot is released; if the refund
// is not accepted the booking stays confirmed.
func (c *Controller) Cancel(ctx context.Context, bookingID uuid.UUID, p requestctx.Principal, reason string) (domain.Booking, error) {
	unlock := c.bookings.Lock(bookingID.String())
	defer unlock()

	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	court, err := c.directory.GetCourt(ctx, b.Interval.CourtID)
	if err != nil {
		return domain.Booking{}, err
	}
	owner := b.UserID == p.UserID
	manager := court.ManagedBy(p.UserID)
	if !owner && !manager {
		return domain.Booking{}, errors.Wrapf(domain.ErrForbidden, "booking %s", bookingID)
	}

	now := c.clk.Now()
	from := b.Status
	if !from.CanTransition(domain.BookingCancelled) {
		return domain.Booking{}, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", bookingID, from)
	}
	if !manager && now.After(b.Interval.Start.Add(-c.cancelCutoff)) {
		return domain.Booking{}, errors.WithHint(
			errors.Wrapf(domain.ErrCancellationClosed, "booking %s starts at %s", bookingID, b.Interval.Start.Format(time.RFC3339)),
			"contact the facility manager to cancel this booking")
	}

	if from == domain.BookingConfirmed {
		if c.refunder == nil {
			return domain.Booking{}, errors.AssertionFailedf("booking: no refunder attached")
		}
		if err := c.refunder.RefundForCancellation(ctx, b, reason); err != nil {
			return domain.Booking{}, errors.Wrapf(err, "refund booking %s", bookingID)
		}
	}

	if err := b.Transition(domain.BookingCancelled, now); err != nil {
		return domain.Booking{}, err
	}
	b.CancellationReason = reason
	if err := c.release(ctx, b, from, domain.EventBookingCancelled, now); err != nil {
		return domain.Booking{}, err
	}

	c.transitioned(ctx, b, "booking.cancelled")
	return b, nil
}

// SweepUnpaid expires pending bookings past their payment deadline. A booking
// whose capture was started is left for payment reconciliation.
func (c *Controller) SweepUnpaid(ctx context.Context) (int, error) {
	due, err := c.store.ListUnpaidBookings(ctx, c.clk.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p, err := c.store.GetPaymentByBooking(ctx, b.ID)
		switch {
		case err == nil && p.Status == domain.PaymentCreated && p.CaptureKey != "":
			continue
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			c.logger.WithError(err).WithField("booking_id", b.ID).Warn("load payment for unpaid booking")
			continue
		}
		if err := c.ExpireUnpaid(ctx, b.ID, "payment deadline passed"); err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrConcurrentUpdate) {
				c.logger.WithError(err).WithField("booking_id", b.ID).Warn("expire unpaid booking failed")
			}
			continue
		}
		n++
	}
	return n, nil
}

func (c *Controller) release(ctx context.Context, b domain.Booking, from domain.BookingStatus, eventType string, now time.Time) error {
	h := ledger.Handle{CourtID: b.Interval.CourtID, HolderID: b.ID}
	return c.ledger.Release(h, func() error {
		return c.store.WithTx(ctx, func(ctx context.Context) error {
			if err := c.store.UpdateBooking(ctx, b, from); err != nil {
				return err
			}
			return c.store.InsertOutbox(ctx, bookingEvent(b, eventType, now))
		})
	})
}

func (c *Controller) transitioned(ctx context.Context, b domain.Booking, action string) {
	observability.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	observability.FromContext(ctx, c.logger).WithFields(map[string]interface{}{
		"booking_id": b.ID,
		"status":     b.Status,
	}).Info(action)
	if c.audit != nil {
		c.audit.Record(ctx, action, b.ID, map[string]interface{}{
			"user_id":  b.UserID.String(),
			"court_id": b.Interval.CourtID.String(),
			"status":   string(b.Status),
			"amount":   b.Amount.String(),
			"reason":   b.CancellationReason,
		})
	}
}

func bookingEvent(b domain.Booking, eventType string, at time.Time) domain.Event {
	return domain.NewEvent("booking", b.ID, eventType, map[string]interface{}{
		"booking_id":     b.ID,
		"user_id":        b.UserID,
		"reservation_id": b.ReservationID,
		"court_id":       b.Interval.CourtID,
		"start":          b.Interval.Start,
		"end":            b.Interval.End,
		"status":         b.Status,
		"amount":         b.Amount.String(),
		"platform_fee":   b.PlatformFee().String(),
		"currency":       b.Currency,
		"reason":         b.CancellationReason,
	}, at)
}
