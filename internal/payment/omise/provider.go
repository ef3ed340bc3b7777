// Package omise charges cards through Omise. Charges are authorized when the
// intent is created and captured separately.
package omise

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"
)

const Name = "omise"

type Provider struct {
	client *omise.Client
}

func New(publicKey, secretKey string, timeout time.Duration) (*Provider, error) {
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, errors.Wrap(err, "omise client")
	}
	client.Timeout = timeout
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return Name }

// do runs an Omise operation, giving up when ctx ends. The SDK call itself is
// bounded by the client timeout.
func (p *Provider) do(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) CreateOrder(ctx context.Context, req payment.OrderRequest) (payment.Order, error) {
	if req.SourceToken == "" {
		return payment.Order{}, payment.Declined(errors.Wrap(domain.ErrInvalidInput, "omise needs a card token"))
	}
	ch := &omise.Charge{}
	err := p.do(ctx, func() error {
		return p.client.Do(ch, &operations.CreateCharge{
			Amount:      payment.MinorUnits(req.Amount),
			Currency:    strings.ToLower(req.Currency),
			Card:        req.SourceToken,
			DontCapture: true,
			Description: req.Description,
			Metadata: map[string]interface{}{
				"payment_id":      req.PaymentID.String(),
				"booking_id":      req.BookingID.String(),
				"idempotency_key": req.IdempotencyKey,
			},
		})
	})
	if err != nil {
		return payment.Order{}, err
	}
	if string(ch.Status) == "failed" {
		return payment.Order{}, payment.Declined(errors.Newf("charge %s failed: %s", ch.ID, failureMessage(ch)))
	}
	return payment.Order{ProviderPaymentID: ch.ID, ApprovalURL: ch.AuthorizeURI}, nil
}

func (p *Provider) Capture(ctx context.Context, req payment.CaptureRequest) (payment.CaptureReceipt, error) {
	ch := &omise.Charge{}
	err := p.do(ctx, func() error {
		return p.client.Do(ch, &operations.CaptureCharge{ChargeID: req.ProviderPaymentID})
	})
	if err != nil {
		return payment.CaptureReceipt{}, err
	}
	return payment.CaptureReceipt{Status: chargeStatus(ch), CaptureID: ch.ID, Reason: failureMessage(ch)}, nil
}

func (p *Provider) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundReceipt, error) {
	rf := &omise.Refund{}
	err := p.do(ctx, func() error {
		return p.client.Do(rf, &operations.CreateRefund{
			ChargeID: req.ProviderPaymentID,
			Amount:   payment.MinorUnits(req.Amount),
			Metadata: map[string]interface{}{
				"idempotency_key": req.IdempotencyKey,
				"reason":          req.Reason,
			},
		})
	})
	if err != nil {
		return payment.RefundReceipt{}, err
	}
	return payment.RefundReceipt{ProviderRefundID: rf.ID}, nil
}

func (p *Provider) GetDetails(ctx context.Context, providerPaymentID string) (payment.Details, error) {
	ch := &omise.Charge{}
	err := p.do(ctx, func() error {
		return p.client.Do(ch, &operations.RetrieveCharge{ChargeID: providerPaymentID})
	})
	if err != nil {
		return payment.Details{}, err
	}
	return payment.Details{
		Status: chargeStatus(ch),
		Amount: decimal.New(ch.Amount, -2),
		Reason: failureMessage(ch),
	}, nil
}

type webhookPayload struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// VerifyWebhook trusts nothing in the payload except the event id: the event
// is fetched back from Omise with the secret key.
func (p *Provider) VerifyWebhook(ctx context.Context, _ http.Header, body []byte) (payment.WebhookEvent, error) {
	var in webhookPayload
	if err := json.Unmarshal(body, &in); err != nil || in.ID == "" {
		return payment.WebhookEvent{}, errors.Wrap(domain.ErrInvalidSignature, "malformed omise event")
	}
	ev := &omise.Event{}
	err := p.do(ctx, func() error {
		return p.client.Do(ev, &operations.RetrieveEvent{EventID: in.ID})
	})
	if err != nil {
		return payment.WebhookEvent{}, errors.Mark(errors.Wrapf(err, "retrieve event %s", in.ID), domain.ErrInvalidSignature)
	}
	out := payment.WebhookEvent{ID: ev.ID, Type: ev.Key}
	if strings.HasPrefix(ev.Key, "charge.") {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return payment.WebhookEvent{}, errors.Wrap(err, "decode event data")
		}
		var ch omise.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return payment.WebhookEvent{}, errors.Wrap(err, "decode charge")
		}
		out.ProviderPaymentID = ch.ID
	}
	return out, nil
}

func chargeStatus(ch *omise.Charge) payment.Status {
	switch string(ch.Status) {
	case "successful":
		return payment.StatusCaptured
	case "failed", "expired", "reversed":
		return payment.StatusDeclined
	default:
		return payment.StatusPending
	}
}

func failureMessage(ch *omise.Charge) string {
	if ch.FailureMessage != nil {
		return *ch.FailureMessage
	}
	if ch.FailureCode != nil {
		return *ch.FailureCode
	}
	return ""
}

// classify marks Omise API rejections (4xx) as declines; transport errors
// and server errors stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *omise.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
		return payment.Declined(err)
	}
	return err
}
