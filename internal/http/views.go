package http

import (
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type reservationView struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	CourtID   uuid.UUID `json:"court_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newReservationView(r domain.Reservation) reservationView {
	return reservationView{
		ID:        r.ID,
		UserID:    r.UserID,
		CourtID:   r.Interval.CourtID,
		Start:     r.Interval.Start,
		End:       r.Interval.End,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

type bookingView struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	ReservationID      uuid.UUID       `json:"reservation_id"`
	CourtID            uuid.UUID       `json:"court_id"`
	Start              time.Time       `json:"start"`
	End                time.Time       `json:"end"`
	Status             string          `json:"status"`
	HourlyRate         decimal.Decimal `json:"hourly_rate"`
	CommissionRate     decimal.Decimal `json:"commission_rate"`
	Amount             decimal.Decimal `json:"amount"`
	PlatformFee        decimal.Decimal `json:"platform_fee"`
	Currency           string          `json:"currency"`
	PaymentDeadline    time.Time       `json:"payment_deadline"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func newBookingView(b domain.Booking) bookingView {
	return bookingView{
		ID:                 b.ID,
		UserID:             b.UserID,
		ReservationID:      b.ReservationID,
		CourtID:            b.Interval.CourtID,
		Start:              b.Interval.Start,
		End:                b.Interval.End,
		Status:             string(b.Status),
		HourlyRate:         b.HourlyRate,
		CommissionRate:     b.CommissionRate,
		Amount:             b.Amount,
		PlatformFee:        b.PlatformFee(),
		Currency:           b.Currency,
		PaymentDeadline:    b.PaymentDeadline,
		CancellationReason: b.CancellationReason,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

type paymentView struct {
	ID                uuid.UUID       `json:"id"`
	BookingID         uuid.UUID       `json:"booking_id"`
	Status            string          `json:"status"`
	Provider          string          `json:"provider"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
	ApprovalURL       string          `json:"approval_url,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	Currency          string          `json:"currency"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Reconciling       bool            `json:"reconciling"`
	CreatedAt         time.Time       `json:"created_at"`
}

func newPaymentView(p domain.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		BookingID:         p.BookingID,
		Status:            string(p.Status),
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		ApprovalURL:       p.ApprovalURL,
		Amount:            p.Amount,
		RefundedAmount:    p.RefundedAmount,
		Currency:          p.Currency,
		CapturedAt:        p.CapturedAt,
		FailureReason:     p.FailureReason,
		Reconciling:       p.NeedsReconcile,
		CreatedAt:         p.CreatedAt,
	}
}

type refundView struct {
	ID               uuid.UUID       `json:"id"`
	PaymentID        uuid.UUID       `json:"payment_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reason           string          `json:"reason,omitempty"`
	Status           string          `json:"status"`
	ProviderRefundID string          `json:"provider_refund_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func newRefundView(r domain.Refund) refundView {
	return refundView{
		ID:               r.ID,
		PaymentID:        r.PaymentID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Reason:           r.Reason,
		Status:           string(r.Status),
		ProviderRefundID: r.ProviderRefundID,
		CreatedAt:        r.CreatedAt,
	}
}
