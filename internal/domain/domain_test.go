package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func TestIntervalConflicts(t *testing.T) {
	court := uuid.New()
	base := TimeInterval{CourtID: court, Start: t0, End: t0.Add(2 * time.Hour)}

	tests := []struct {
		name  string
		other TimeInterval
		want  bool
	}{
		{"same interval", base, true},
		{"overlaps end", TimeInterval{CourtID: court, Start: t0.Add(time.Hour), End: t0.Add(3 * time.Hour)}, true},
		{"contained", TimeInterval{CourtID: court, Start: t0.Add(30 * time.Minute), End: t0.Add(time.Hour)}, true},
		{"touches end", TimeInterval{CourtID: court, Start: t0.Add(2 * time.Hour), End: t0.Add(3 * time.Hour)}, false},
		{"touches start", TimeInterval{CourtID: court, Start: t0.Add(-time.Hour), End: t0}, false},
		{"other court", TimeInterval{CourtID: uuid.New(), Start: t0, End: t0.Add(2 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Conflicts(tt.other); got != tt.want {
				t.Errorf("Conflicts = %v, want %v", got, tt.want)
			}
			if got := tt.other.Conflicts(base); got != tt.want {
				t.Errorf("Conflicts is not symmetric")
			}
		})
	}
}

func TestIntervalValidate(t *testing.T) {
	court := uuid.New()
	if err := (TimeInterval{CourtID: court, Start: t0, End: t0}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty interval: %v", err)
	}
	if err := (TimeInterval{Start: t0, End: t0.Add(time.Hour)}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing court: %v", err)
	}
	if err := (TimeInterval{CourtID: court, Start: t0, End: t0.Add(time.Hour)}).Validate(); err != nil {
		t.Errorf("valid interval: %v", err)
	}
}

func TestReservationExpiryBoundary(t *testing.T) {
	r := NewReservation(uuid.New(), TimeInterval{CourtID: uuid.New(), Start: t0, End: t0.Add(time.Hour)}, t0.Add(-24*time.Hour), 10*time.Minute)

	if !r.UsableAt(r.ExpiresAt.Add(-time.Nanosecond)) {
		t.Error("hold should be usable just before expiry")
	}
	if r.UsableAt(r.ExpiresAt) {
		t.Error("hold should be gone at its expiry instant")
	}
	r.Status = ReservationConverted
	if r.UsableAt(r.CreatedAt) {
		t.Error("converted hold should not be usable")
	}
}

func TestBookingTransitions(t *testing.T) {
	tests := []struct {
		from, to BookingStatus
		ok       bool
	}{
		{BookingPendingPayment, BookingConfirmed, true},
		{BookingPendingPayment, BookingExpired, true},
		{BookingPendingPayment, BookingCancelled, true},
		{BookingConfirmed, BookingCancelled, true},
		{BookingConfirmed, BookingExpired, false},
		{BookingConfirmed, BookingPendingPayment, false},
		{BookingCancelled, BookingConfirmed, false},
		{BookingExpired, BookingConfirmed, false},
		{BookingExpired, BookingCancelled, false},
	}
	for _, tt := range tests {
		b := Booking{ID: uuid.New(), Status: tt.from}
		err := b.Transition(tt.to, t0)
		if tt.ok {
			if err != nil || b.Status != tt.to || !b.UpdatedAt.Equal(t0) {
				t.Errorf("%s -> %s: err=%v status=%s", tt.from, tt.to, err, b.Status)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
		if b.Status != tt.from {
			t.Errorf("%s -> %s: status changed to %s", tt.from, tt.to, b.Status)
		}
	}
}

func TestNewBookingPricing(t *testing.T) {
	court := Court{ID: uuid.New(), HourlyRate: decimal.RequireFromString("27.50"), Currency: "AUD"}
	hold := NewReservation(uuid.New(), TimeInterval{CourtID: court.ID, Start: t0, End: t0.Add(90 * time.Minute)}, t0.Add(-time.Hour), 10*time.Minute)

	b := NewBooking(hold, court, decimal.RequireFromString("0.10"), t0.Add(-time.Hour), 15*time.Minute)

	if !b.Amount.Equal(decimal.RequireFromString("41.25")) {
		t.Errorf("amount = %s", b.Amount)
	}
	if !b.PlatformFee().Equal(decimal.RequireFromString("4.13")) {
		t.Errorf("platform fee = %s", b.PlatformFee())
	}
	if b.Status != BookingPendingPayment || b.ReservationID != hold.ID || b.UserID != hold.UserID {
		t.Errorf("booking = %+v", b)
	}
	if !b.PaymentDeadline.Equal(t0.Add(-45 * time.Minute)) {
		t.Errorf("deadline = %s", b.PaymentDeadline)
	}

	court.HourlyRate = decimal.RequireFromString("99")
	if !b.HourlyRate.Equal(decimal.RequireFromString("27.50")) {
		t.Error("booking must keep the rate it was priced at")
	}
}

func TestParseBookingStatus(t *testing.T) {
	for _, s := range []string{"pending_payment", "confirmed", "cancelled", "expired"} {
		if st, err := ParseBookingStatus(s); err != nil || string(st) != s {
			t.Errorf("ParseBookingStatus(%q) = %q, %v", s, st, err)
		}
	}
	if _, err := ParseBookingStatus("paid"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown status: %v", err)
	}
}

func TestPaymentRefundable(t *testing.T) {
	p := NewPayment(Booking{ID: uuid.New(), Amount: decimal.RequireFromString("60"), Currency: "AUD"}, "manual", "k", t0)
	p.RefundedAmount = decimal.RequireFromString("12.5")
	if !p.Refundable().Equal(decimal.RequireFromString("47.5")) {
		t.Errorf("refundable = %s", p.Refundable())
	}
	if !p.SameRequest(p.BookingID, decimal.RequireFromString("60.00"), "AUD") {
		t.Error("equal amounts with different scale should match")
	}
	if p.SameRequest(p.BookingID, decimal.RequireFromString("60"), "THB") {
		t.Error("currency mismatch should not match")
	}
	if PaymentFailed.Settled() || !PaymentPartiallyRefunded.Refundable() || PaymentRefunded.Refundable() {
		t.Error("payment status helpers")
	}
}
