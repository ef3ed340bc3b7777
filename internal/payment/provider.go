package payment

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDeclined marks a definitive provider refusal. Any other provider error
// is treated as transient and leaves the outcome unknown.
var ErrDeclined = errors.New("declined by provider")

// Declined marks err as a definitive refusal.
func Declined(err error) error {
	return errors.Mark(err, ErrDeclined)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusCaptured Status = "captured"
	StatusDeclined Status = "declined"
)

// Provider is the capability set every payment processor offers.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	Capture(ctx context.Context, req CaptureRequest) (CaptureReceipt, error)
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
	GetDetails(ctx context.Context, providerPaymentID string) (Details, error)
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (WebhookEvent, error)
}

type OrderRequest struct {
	PaymentID      uuid.UUID
	BookingID      uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
	// SourceToken is a tokenized card or payment source, for processors
	// that charge a token rather than redirecting the payer.
	SourceToken string
}

type Order struct {
	ProviderPaymentID string
	ApprovalURL       string
}

type CaptureRequest struct {
	ProviderPaymentID string
	IdempotencyKey    string
	Amount            decimal.Decimal
	Currency          string
}

type CaptureReceipt struct {
	Status    Status
	CaptureID string
	Reason    string
}

type RefundRequest struct {
	ProviderPaymentID string
	IdempotencyKey    string
	Amount            decimal.Decimal
	Currency          string
	Reason            string
}

type RefundReceipt struct {
	ProviderRefundID string
}

type Details struct {
	Status Status
	Amount decimal.Decimal
	Reason string
}

type WebhookEvent struct {
	ID                string
	Type              string
	ProviderPaymentID string
}

// MinorUnits converts an amount to the smallest currency unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
