package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingExpired        BookingStatus = "expired"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPendingPayment: {BookingConfirmed, BookingExpired, BookingCancelled},
	BookingConfirmed:      {BookingCancelled},
}

func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active statuses occupy the court and count towards the per-user limit.
func (s BookingStatus) Active() bool {
	return s == BookingPendingPayment || s == BookingConfirmed
}

func ParseBookingStatus(s string) (BookingStatus, error) {
	switch st := BookingStatus(s); st {
	case BookingPendingPayment, BookingConfirmed, BookingCancelled, BookingExpired:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidInput, "unknown booking status %q", s)
}

type Booking struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	ReservationID      uuid.UUID
	Interval           TimeInterval
	Status             BookingStatus
	HourlyRate         decimal.Decimal
	CommissionRate     decimal.Decimal
	Amount             decimal.Decimal
	Currency           string
	PaymentDeadline    time.Time
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewBooking prices the hold with the court's current rate and snapshots the
// rate and commission so later directory edits do not change the booking.
func NewBooking(hold Reservation, court Court, commission decimal.Decimal, now time.Time, paymentTimeout time.Duration) Booking {
	hours := decimal.NewFromFloat(hold.Interval.Duration().Hours())
	return Booking{
		ID:              uuid.New(),
		UserID:          hold.UserID,
		ReservationID:   hold.ID,
		Interval:        hold.Interval,
		Status:          BookingPendingPayment,
		HourlyRate:      court.HourlyRate,
		CommissionRate:  commission,
		Amount:          court.HourlyRate.Mul(hours).Round(2),
		Currency:        court.Currency,
		PaymentDeadline: now.Add(paymentTimeout),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (b Booking) PlatformFee() decimal.Decimal {
	return b.Amount.Mul(b.CommissionRate).Round(2)
}

// Transition moves the booking forward; it never mutates on an illegal move.
func (b *Booking) Transition(to BookingStatus, at time.Time) error {
	if !b.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "booking %s: %s -> %s", b.ID, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}

// BookingFilter narrows a booking listing. Zero fields match everything;
// From and Until bound the start time as [From, Until).
type BookingFilter struct {
	Status *BookingStatus
	From   time.Time
	Until  time.Time
}

func (f BookingFilter) Match(b Booking) bool {
	if f.Status != nil && b.Status != *f.Status {
		return false
	}
	if !f.From.IsZero() && b.Interval.Start.Before(f.From) {
		return false
	}
	if !f.Until.IsZero() && !b.Interval.Start.Before(f.Until) {
		return false
	}
	return true
}
