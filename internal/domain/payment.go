package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Settled statuses are those where funds were captured at some point.
func (s PaymentStatus) Settled() bool {
	return s == PaymentCaptured || s == PaymentRefunded || s == PaymentPartiallyRefunded
}

func (s PaymentStatus) Refundable() bool {
	return s == PaymentCaptured || s == PaymentPartiallyRefunded
}

type Payment struct {
	ID                uuid.UUID
	BookingID         uuid.UUID
	UserID            uuid.UUID
	IdempotencyKey    string
	Provider          string
	ProviderPaymentID string
	ApprovalURL       string
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	RefundedAmount    decimal.Decimal
	CaptureKey        string
	CaptureStartedAt  *time.Time
	CapturedAt        *time.Time
	NeedsReconcile    bool
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewPayment(booking Booking, provider, idempotencyKey string, now time.Time) Payment {
	return Payment{
		ID:             uuid.New(),
		BookingID:      booking.ID,
		UserID:         booking.UserID,
		IdempotencyKey: idempotencyKey,
		Provider:       provider,
		Amount:         booking.Amount,
		Currency:       booking.Currency,
		Status:         PaymentCreated,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SameRequest reports whether a retried intent request matches this payment.
func (p Payment) SameRequest(bookingID uuid.UUID, amount decimal.Decimal, currency string) bool {
	return p.BookingID == bookingID && p.Amount.Equal(amount) && p.Currency == currency
}

func (p Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

type Refund struct {
	ID               uuid.UUID
	PaymentID        uuid.UUID
	IdempotencyKey   string
	Amount           decimal.Decimal
	Currency         string
	Reason           string
	ProviderRefundID string
	Status           RefundStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewRefund(p Payment, key string, amount decimal.Decimal, reason string, now time.Time) Refund {
	return Refund{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		IdempotencyKey: key,
		Amount:         amount,
		Currency:       p.Currency,
		Reason:         reason,
		Status:         RefundPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
