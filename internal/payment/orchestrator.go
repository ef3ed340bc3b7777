// Package payment creates payment intents, captures them exactly once and
// issues refunds against a pluggable payment provider.
package payment

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultProviderTimeout = 15 * time.Second

	// reconcileGrace is how long past the booking's payment deadline a
	// capture may stay unresolved at the provider before it is failed.
	reconcileGrace = time.Hour
	reconcileBatch = 200

	retryHint = "retry the request with the same idempotency key"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	CreatePayment(ctx context.Context, p domain.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error)
	GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (domain.Payment, error)
	GetPaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (domain.Payment, error)
	UpdatePayment(ctx context.Context, p domain.Payment) error
	ClaimCapture(ctx context.Context, id uuid.UUID, key string, now time.Time) (domain.Payment, bool, error)
	ListReconcilePending(ctx context.Context, limit int) ([]domain.Payment, error)
	CreateRefund(ctx context.Context, r domain.Refund) error
	GetRefundByKey(ctx context.Context, key string) (domain.Refund, error)
	UpdateRefund(ctx context.Context, r domain.Refund) error
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error)
	InsertOutbox(ctx context.Context, e domain.Event) error
}

// Bookings is the part of the booking lifecycle a payment outcome drives.
type Bookings interface {
	Confirm(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	ExpireUnpaid(ctx context.Context, bookingID uuid.UUID, reason string) error
}

type Directory interface {
	GetCourt(ctx context.Context, id uuid.UUID) (domain.Court, error)
}

// ReconcileRequester queues a payment for asynchronous reconciliation.
type ReconcileRequester interface {
	RequestReconcile(ctx context.Context, paymentID uuid.UUID) error
}

type Orchestrator struct {
	store     Store
	bookings  Bookings
	directory Directory
	provider  Provider
	reconcile ReconcileRequester
	clk       clock.Clock
	logger    observability.Logger
	tracer    trace.Tracer
	timeout   time.Duration

	captures singleflight.Group
	payments *keylock.Locker
}

type Option func(*Orchestrator)

func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithReconcileRequester(r ReconcileRequester) Option {
	return func(o *Orchestrator) { o.reconcile = r }
}

func NewOrchestrator(store Store, bookings Bookings, dir Directory, provider Provider, clk clock.Clock, logger observability.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		bookings:  bookings,
		directory: dir,
		provider:  provider,
		clk:       clk,
		logger:    logger,
		tracer:    otel.Tracer("payment"),
		timeout:   DefaultProviderTimeout,
		payments:  keylock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type IntentInput struct {
	BookingID      uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	SourceToken    string
}

// CaptureResult is the outcome of a capture. Replayed is set when the result
// was answered from the recorded outcome of an earlier call with the same key.
type CaptureResult struct {
	Payment  domain.Payment
	Replayed bool
}

func (r CaptureResult) Succeeded() bool {
	return r.Payment.Status.Settled()
}

type RefundInput struct {
	PaymentID      uuid.UUID
	Amount         *decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// CreateIntent registers a payment for a pending booking and opens an order
// at the provider. The payment row is stored before the provider is called,
// so a retry with the same key never opens a second order.
func (o *Orchestrator) CreateIntent(ctx context.Context, in IntentInput, p requestctx.Principal) (domain.Payment, error) {
	if in.IdempotencyKey == "" {
		return domain.Payment{}, errors.Wrap(domain.ErrInvalidInput, "idempotency key is required")
	}
	unlock := o.payments.Lock("booking:" + in.BookingID.String())
	defer unlock()

	pay, err := o.store.GetPaymentByIdempotencyKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil:
		return o.replayIntent(ctx, pay, in, p)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Payment{}, err
	}

	b, err := o.store.GetBooking(ctx, in.BookingID)
	if err != nil {
		return domain.Payment{}, err
	}
	if b.UserID != p.UserID {
		return domain.Payment{}, errors.Wrapf(domain.ErrForbidden, "booking %s", b.ID)
	}
	if b.Status != domain.BookingPendingPayment {
		return domain.Payment{}, errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if !in.Amount.Equal(b.Amount) || in.Currency != b.Currency {
		return domain.Payment{}, errors.Wrapf(domain.ErrInvalidInput,
			"amount %s %s does not match booking total %s %s", in.Amount, in.Currency, b.Amount, b.Currency)
	}

	// One payment per booking: a new key for the same booking resumes it.
	if existing, err := o.store.GetPaymentByBooking(ctx, b.ID); err == nil {
		return o.replayIntent(ctx, existing, in, p)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Payment{}, err
	}

	pay = domain.NewPayment(b, o.provider.Name(), in.IdempotencyKey, o.clk.Now())
	if err := o.store.CreatePayment(ctx, pay); err != nil {
		return domain.Payment{}, err
	}
	return o.openOrder(ctx, pay, in.SourceToken)
}

func (o *Orchestrator) replayIntent(ctx context.Context, pay domain.Payment, in IntentInput, p requestctx.Principal) (domain.Payment, error) {
	if !pay.SameRequest(in.BookingID, in.Amount, in.Currency) {
		return domain.Payment{}, errors.Wrapf(domain.ErrIdempotencyMismatch, "key %q", in.IdempotencyKey)
	}
	if pay.UserID != p.UserID {
		return domain.Payment{}, errors.Wrapf(domain.ErrForbidden, "payment %s", pay.ID)
	}
	if pay.ProviderPaymentID == "" && pay.Status == domain.PaymentCreated {
		return o.openOrder(ctx, pay, in.SourceToken)
	}
	return pay, nil
}

func (o *Orchestrator) openOrder(ctx context.Context, pay domain.Payment, sourceToken string) (domain.Payment, error) {
	order, err := callProvider(ctx, o, "create_order", func(ctx context.Context) (Order, error) {
		return o.provider.CreateOrder(ctx, OrderRequest{
			PaymentID:      pay.ID,
			BookingID:      pay.BookingID,
			Amount:         pay.Amount,
			Currency:       pay.Currency,
			Description:    "Court booking " + pay.BookingID.String(),
			IdempotencyKey: pay.IdempotencyKey,
			SourceToken:    sourceToken,
		})
	})
	if err != nil {
		return domain.Payment{}, providerError(err, "create order")
	}
	pay.ProviderPaymentID = order.ProviderPaymentID
	pay.ApprovalURL = order.ApprovalURL
	pay.UpdatedAt = o.clk.Now()
	if err := o.store.UpdatePayment(ctx, pay); err != nil {
		return domain.Payment{}, err
	}
	o.logger.WithFields(map[string]interface{}{
		"payment_id":          pay.ID,
		"booking_id":          pay.BookingID,
		"provider_payment_id": pay.ProviderPaymentID,
	}).Info("payment intent created")
	return pay, nil
}

func (o *Orchestrator) Get(ctx context.Context, paymentID uuid.UUID, p requestctx.Principal) (domain.Payment, error) {
	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if pay.UserID == p.UserID {
		return pay, nil
	}
	if err := o.authorizeManager(ctx, pay, p); err != nil {
		return domain.Payment{}, err
	}
	return pay, nil
}

// Capture settles an intent. The key is claimed on the payment before the
// provider is called; repeating a call with the same key returns the
// recorded outcome without reaching the provider again.
func (o *Orchestrator) Capture(ctx context.Context, paymentID uuid.UUID, key string, p requestctx.Principal) (CaptureResult, error) {
	if key == "" {
		return CaptureResult{}, errors.Wrap(domain.ErrInvalidInput, "idempotency key is required")
	}
	// Do runs fn on the calling goroutine, so leader is only set for the
	// caller that reached the provider.
	var leader bool
	v, err, _ := o.captures.Do(paymentID.String()+"|"+key, func() (interface{}, error) {
		leader = true
		return o.capture(ctx, paymentID, key, p)
	})
	if err != nil {
		return CaptureResult{}, err
	}
	res := v.(CaptureResult)
	if !leader {
		res.Replayed = true
	}
	return res, nil
}

func (o *Orchestrator) capture(ctx context.Context, paymentID uuid.UUID, key string, p requestctx.Principal) (CaptureResult, error) {
	lock := o.lockPayment(paymentID)
	defer lock.release()

	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return CaptureResult{}, err
	}
	if pay.UserID != p.UserID {
		return CaptureResult{}, errors.Wrapf(domain.ErrForbidden, "payment %s", paymentID)
	}
	if pay.ProviderPaymentID == "" {
		return CaptureResult{}, errors.WithHint(
			errors.Wrapf(domain.ErrInvalidTransition, "payment %s has no provider order", paymentID),
			"create the payment intent again with its original key")
	}

	if pay.CaptureKey == "" && pay.Status == domain.PaymentCreated {
		var claimed bool
		pay, claimed, err = o.store.ClaimCapture(ctx, paymentID, key, o.clk.Now())
		if err != nil {
			return CaptureResult{}, err
		}
		if claimed {
			o.logger.WithFields(map[string]interface{}{"payment_id": paymentID}).Debug("capture claimed")
		}
	}

	if pay.CaptureKey != key {
		switch {
		case pay.Status.Settled():
			return CaptureResult{}, errors.Wrapf(domain.ErrAlreadyCaptured, "payment %s", paymentID)
		case pay.Status == domain.PaymentFailed:
			return CaptureResult{}, errors.Wrapf(domain.ErrInvalidTransition, "payment %s failed: %s", paymentID, pay.FailureReason)
		default:
			return CaptureResult{}, errors.Wrapf(domain.ErrCaptureInProgress, "payment %s", paymentID)
		}
	}
	if pay.Status != domain.PaymentCreated {
		observability.CaptureReplays.Inc()
		return CaptureResult{Payment: pay, Replayed: true}, nil
	}

	b, err := o.store.GetBooking(ctx, pay.BookingID)
	if err != nil {
		return CaptureResult{}, err
	}
	if b.Status != domain.BookingPendingPayment {
		pay, err = o.fail(ctx, lock, pay, "booking is "+string(b.Status))
		return CaptureResult{Payment: pay}, err
	}

	if pay.NeedsReconcile {
		details, err := callProvider(ctx, o, "get_details", func(ctx context.Context) (Details, error) {
			return o.provider.GetDetails(ctx, pay.ProviderPaymentID)
		})
		if err != nil {
			return CaptureResult{}, providerError(err, "get details")
		}
		switch details.Status {
		case StatusCaptured:
			pay, err = o.settle(ctx, lock, pay)
			return CaptureResult{Payment: pay}, err
		case StatusDeclined:
			pay, err = o.fail(ctx, lock, pay, details.Reason)
			return CaptureResult{Payment: pay}, err
		}
	}

	receipt, err := callProvider(ctx, o, "capture", func(ctx context.Context) (CaptureReceipt, error) {
		return o.provider.Capture(ctx, CaptureRequest{
			ProviderPaymentID: pay.ProviderPaymentID,
			IdempotencyKey:    key,
			Amount:            pay.Amount,
			Currency:          pay.Currency,
		})
	})
	switch {
	case errors.Is(err, ErrDeclined):
		pay, err = o.fail(ctx, lock, pay, err.Error())
		return CaptureResult{Payment: pay}, err
	case err != nil:
		return CaptureResult{}, o.deferCapture(ctx, pay, err)
	}

	switch receipt.Status {
	case StatusCaptured:
		pay, err = o.settle(ctx, lock, pay)
	case StatusDeclined:
		pay, err = o.fail(ctx, lock, pay, receipt.Reason)
	default:
		return CaptureResult{}, o.deferCapture(ctx, pay, errors.New("capture pending at provider"))
	}
	return CaptureResult{Payment: pay}, err
}

// deferCapture records that the capture outcome is unknown and queues the
// payment for reconciliation.
func (o *Orchestrator) deferCapture(ctx context.Context, pay domain.Payment, cause error) error {
	pay.NeedsReconcile = true
	pay.UpdatedAt = o.clk.Now()
	if err := o.store.UpdatePayment(ctx, pay); err != nil {
		return errors.CombineErrors(providerError(cause, "capture"), err)
	}
	o.requestReconcile(ctx, pay.ID)
	o.logger.WithError(cause).WithField("payment_id", pay.ID).Warn("capture outcome unknown, reconciliation queued")
	return providerError(cause, "capture")
}

func (o *Orchestrator) requestReconcile(ctx context.Context, paymentID uuid.UUID) {
	if o.reconcile == nil {
		return
	}
	if err := o.reconcile.RequestReconcile(ctx, paymentID); err != nil {
		o.logger.WithError(err).WithField("payment_id", paymentID).Warn("queue reconcile request")
	}
}

// settle records a provider-confirmed capture and confirms the booking. A
// capture whose booking can no longer be confirmed is refunded in full.
// The payment lock is released before the booking is touched.
func (o *Orchestrator) settle(ctx context.Context, lock *paymentLock, pay domain.Payment) (domain.Payment, error) {
	now := o.clk.Now()
	pay.Status = domain.PaymentCaptured
	pay.CapturedAt = &now
	pay.NeedsReconcile = false
	pay.FailureReason = ""
	pay.UpdatedAt = now
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		if err := o.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		return o.store.InsertOutbox(ctx, paymentEvent(pay, domain.EventPaymentCaptured, now))
	})
	if err != nil {
		return domain.Payment{}, err
	}
	o.logger.WithField("payment_id", pay.ID).Info("payment captured")

	lock.release()
	return o.confirmOrRefund(ctx, pay)
}

// confirmOrRefund must be called without the payment lock held.
func (o *Orchestrator) confirmOrRefund(ctx context.Context, pay domain.Payment) (domain.Payment, error) {
	_, err := o.bookings.Confirm(ctx, pay.BookingID)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrConcurrentUpdate) {
		// Confirmation did not land; the reconcile sweep retries it.
		if uerr := o.markReconcile(ctx, pay.ID); uerr != nil {
			return pay, errors.CombineErrors(err, uerr)
		}
		o.logger.WithError(err).WithField("payment_id", pay.ID).Error("confirm booking after capture")
		return pay, nil
	}

	o.logger.WithFields(map[string]interface{}{
		"payment_id": pay.ID,
		"booking_id": pay.BookingID,
	}).Warn("captured payment for a booking that can no longer be confirmed, refunding")
	refund, rerr := o.refund(ctx, pay.ID, nil, "booking no longer payable", "auto-refund:"+pay.ID.String())
	if rerr != nil {
		return pay, errors.Wrap(rerr, "automatic refund")
	}
	return o.store.GetPayment(ctx, refund.PaymentID)
}

func (o *Orchestrator) fail(ctx context.Context, lock *paymentLock, pay domain.Payment, reason string) (domain.Payment, error) {
	now := o.clk.Now()
	pay.Status = domain.PaymentFailed
	pay.FailureReason = reason
	pay.NeedsReconcile = false
	pay.UpdatedAt = now
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		if err := o.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		return o.store.InsertOutbox(ctx, paymentEvent(pay, domain.EventPaymentFailed, now))
	})
	if err != nil {
		return domain.Payment{}, err
	}
	o.logger.WithFields(map[string]interface{}{"payment_id": pay.ID, "reason": reason}).Info("payment failed")

	lock.release()
	err = o.bookings.ExpireUnpaid(ctx, pay.BookingID, "payment failed")
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrConcurrentUpdate) {
		return pay, err
	}
	return pay, nil
}

// Refund returns part or all of a captured payment. Only a manager of the
// booked court may refund outside of a cancellation.
func (o *Orchestrator) Refund(ctx context.Context, in RefundInput, p requestctx.Principal) (domain.Refund, error) {
	pay, err := o.store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return domain.Refund{}, err
	}
	if err := o.authorizeManager(ctx, pay, p); err != nil {
		return domain.Refund{}, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "refund:" + uuid.NewString()
	}
	return o.refund(ctx, in.PaymentID, in.Amount, in.Reason, key)
}

// RefundForCancellation refunds whatever remains captured on the booking's
// payment. The key is derived from the booking so repeated cancellations
// refund once; a declined attempt is retried under the next attempt key.
func (o *Orchestrator) RefundForCancellation(ctx context.Context, b domain.Booking, reason string) error {
	pay, err := o.store.GetPaymentByBooking(ctx, b.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !pay.Status.Settled() {
		return nil
	}
	key, refunded, err := o.cancellationKey(ctx, pay.ID, b.ID)
	if err != nil {
		return err
	}
	if refunded {
		return nil
	}
	r, err := o.refund(ctx, pay.ID, nil, reason, key)
	if err != nil {
		if pay.Status == domain.PaymentRefunded && errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if r.Status == domain.RefundFailed {
		return errors.Wrapf(domain.ErrProvider, "refund %s was declined", r.ID)
	}
	return nil
}

// cancellationKey picks the refund key for the next cancellation attempt on
// bookingID. Declined attempts stay on record; a pending one is resumed.
func (o *Orchestrator) cancellationKey(ctx context.Context, paymentID, bookingID uuid.UUID) (string, bool, error) {
	base := "booking-cancel:" + bookingID.String()
	refunds, err := o.store.ListRefunds(ctx, paymentID)
	if err != nil {
		return "", false, err
	}
	declined := 0
	for _, r := range refunds {
		if r.IdempotencyKey != base && !strings.HasPrefix(r.IdempotencyKey, base+"/retry-") {
			continue
		}
		switch r.Status {
		case domain.RefundSucceeded:
			return r.IdempotencyKey, true, nil
		case domain.RefundPending:
			return r.IdempotencyKey, false, nil
		case domain.RefundFailed:
			declined++
		}
	}
	if declined == 0 {
		return base, false, nil
	}
	return base + "/retry-" + strconv.Itoa(declined), false, nil
}

func (o *Orchestrator) refund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, reason, key string) (domain.Refund, error) {
	lock := o.lockPayment(paymentID)
	defer lock.release()

	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Refund{}, err
	}

	r, err := o.store.GetRefundByKey(ctx, key)
	switch {
	case err == nil:
		if r.PaymentID != paymentID || (amount != nil && !amount.Equal(r.Amount)) {
			return domain.Refund{}, errors.Wrapf(domain.ErrIdempotencyMismatch, "refund key %q", key)
		}
		if r.Status != domain.RefundPending {
			return r, nil
		}
	case errors.Is(err, domain.ErrNotFound):
		r, err = o.newRefund(ctx, pay, amount, reason, key)
		if err != nil {
			return domain.Refund{}, err
		}
	default:
		return domain.Refund{}, err
	}

	receipt, err := callProvider(ctx, o, "refund", func(ctx context.Context) (RefundReceipt, error) {
		return o.provider.Refund(ctx, RefundRequest{
			ProviderPaymentID: pay.ProviderPaymentID,
			IdempotencyKey:    key,
			Amount:            r.Amount,
			Currency:          r.Currency,
			Reason:            r.Reason,
		})
	})
	now := o.clk.Now()
	if errors.Is(err, ErrDeclined) {
		r.Status = domain.RefundFailed
		r.UpdatedAt = now
		if uerr := o.store.UpdateRefund(ctx, r); uerr != nil {
			return domain.Refund{}, uerr
		}
		return r, nil
	}
	if err != nil {
		return domain.Refund{}, providerError(err, "refund")
	}

	r.Status = domain.RefundSucceeded
	r.ProviderRefundID = receipt.ProviderRefundID
	r.UpdatedAt = now
	pay.RefundedAmount = pay.RefundedAmount.Add(r.Amount)
	if pay.RefundedAmount.GreaterThanOrEqual(pay.Amount) {
		pay.Status = domain.PaymentRefunded
	} else {
		pay.Status = domain.PaymentPartiallyRefunded
	}
	pay.NeedsReconcile = false
	pay.UpdatedAt = now
	err = o.store.WithTx(ctx, func(ctx context.Context) error {
		if err := o.store.UpdateRefund(ctx, r); err != nil {
			return err
		}
		if err := o.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		return o.store.InsertOutbox(ctx, refundEvent(pay, r, now))
	})
	if err != nil {
		return domain.Refund{}, err
	}
	o.logger.WithFields(map[string]interface{}{
		"payment_id": pay.ID,
		"refund_id":  r.ID,
		"amount":     r.Amount.String(),
	}).Info("payment refunded")
	return r, nil
}

func (o *Orchestrator) newRefund(ctx context.Context, pay domain.Payment, amount *decimal.Decimal, reason, key string) (domain.Refund, error) {
	if !pay.Status.Refundable() {
		return domain.Refund{}, errors.Wrapf(domain.ErrInvalidTransition, "payment %s is %s", pay.ID, pay.Status)
	}
	refunds, err := o.store.ListRefunds(ctx, pay.ID)
	if err != nil {
		return domain.Refund{}, err
	}
	available := pay.Refundable()
	for _, r := range refunds {
		if r.Status == domain.RefundPending {
			available = available.Sub(r.Amount)
		}
	}
	amt := available
	if amount != nil {
		amt = *amount
	}
	if !amt.IsPositive() {
		return domain.Refund{}, errors.Wrap(domain.ErrInvalidInput, "refund amount must be positive")
	}
	if amt.GreaterThan(available) {
		return domain.Refund{}, errors.Wrapf(domain.ErrAmountExceeds, "requested %s, refundable %s", amt, available)
	}

	r := domain.NewRefund(pay, key, amt, reason, o.clk.Now())
	if err := o.store.CreateRefund(ctx, r); err != nil {
		return domain.Refund{}, err
	}
	return r, nil
}

// VerifyWebhook reports whether the payload carries a valid provider signature.
func (o *Orchestrator) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) bool {
	_, err := o.provider.VerifyWebhook(ctx, headers, body)
	return err == nil
}

// HandleWebhook verifies a provider notification and reconciles the payment
// it refers to.
func (o *Orchestrator) HandleWebhook(ctx context.Context, headers http.Header, body []byte) error {
	ev, err := o.provider.VerifyWebhook(ctx, headers, body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "verify webhook"), domain.ErrInvalidSignature)
	}
	log := o.logger.WithFields(map[string]interface{}{"event_id": ev.ID, "event_type": ev.Type})
	if ev.ProviderPaymentID == "" {
		log.Debug("webhook without payment reference ignored")
		return nil
	}
	pay, err := o.store.GetPaymentByProviderID(ctx, o.provider.Name(), ev.ProviderPaymentID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("webhook for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = o.Reconcile(ctx, pay.ID)
	return err
}

// Reconcile brings a payment in line with the provider's view of it.
func (o *Orchestrator) Reconcile(ctx context.Context, paymentID uuid.UUID) (domain.Payment, error) {
	lock := o.lockPayment(paymentID)
	defer lock.release()

	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if pay.ProviderPaymentID == "" {
		return pay, nil
	}

	if pay.Status == domain.PaymentCaptured {
		b, err := o.store.GetBooking(ctx, pay.BookingID)
		if err != nil {
			return domain.Payment{}, err
		}
		if b.Status == domain.BookingConfirmed {
			if pay.NeedsReconcile {
				pay.NeedsReconcile = false
				pay.UpdatedAt = o.clk.Now()
				return pay, o.store.UpdatePayment(ctx, pay)
			}
			return pay, nil
		}
		lock.release()
		return o.confirmOrRefund(ctx, pay)
	}
	if pay.Status != domain.PaymentCreated && pay.Status != domain.PaymentFailed {
		return pay, nil
	}

	details, err := callProvider(ctx, o, "get_details", func(ctx context.Context) (Details, error) {
		return o.provider.GetDetails(ctx, pay.ProviderPaymentID)
	})
	if err != nil {
		return domain.Payment{}, providerError(err, "get details")
	}

	switch {
	case details.Status == StatusCaptured:
		if pay.Status == domain.PaymentFailed {
			o.logger.WithField("payment_id", pay.ID).Warn("provider captured a payment recorded as failed")
		}
		return o.settle(ctx, lock, pay)
	case details.Status == StatusDeclined && pay.Status == domain.PaymentCreated:
		return o.fail(ctx, lock, pay, details.Reason)
	case pay.Status == domain.PaymentCreated && pay.NeedsReconcile:
		b, err := o.store.GetBooking(ctx, pay.BookingID)
		if err != nil {
			return domain.Payment{}, err
		}
		if o.clk.Now().After(b.PaymentDeadline.Add(reconcileGrace)) {
			return o.fail(ctx, lock, pay, "capture not settled at provider")
		}
	}
	return pay, nil
}

// SweepReconcile reconciles every payment flagged as unresolved.
func (o *Orchestrator) SweepReconcile(ctx context.Context) (int, error) {
	pending, err := o.store.ListReconcilePending(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pay := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := o.Reconcile(ctx, pay.ID); err != nil {
			o.logger.WithError(err).WithField("payment_id", pay.ID).Warn("reconcile payment failed")
			continue
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) authorizeManager(ctx context.Context, pay domain.Payment, p requestctx.Principal) error {
	b, err := o.store.GetBooking(ctx, pay.BookingID)
	if err != nil {
		return err
	}
	court, err := o.directory.GetCourt(ctx, b.Interval.CourtID)
	if err != nil {
		return err
	}
	if !court.ManagedBy(p.UserID) {
		return errors.Wrapf(domain.ErrForbidden, "payment %s", pay.ID)
	}
	return nil
}

// paymentLock is the per-payment critical section. It is released before any
// call into the booking lifecycle, which may itself wait on a payment lock
// while cancelling.
type paymentLock struct {
	unlock   func()
	released bool
}

func (o *Orchestrator) lockPayment(id uuid.UUID) *paymentLock {
	return &paymentLock{unlock: o.payments.Lock(id.String())}
}

func (l *paymentLock) release() {
	if !l.released {
		l.released = true
		l.unlock()
	}
}

func (o *Orchestrator) markReconcile(ctx context.Context, paymentID uuid.UUID) error {
	lock := o.lockPayment(paymentID)
	defer lock.release()
	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	pay.NeedsReconcile = true
	pay.UpdatedAt = o.clk.Now()
	return o.store.UpdatePayment(ctx, pay)
}

func callProvider[T any](ctx context.Context, o *Orchestrator, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "payment.provider."+op, trace.WithAttributes(
		attribute.String("payment.provider", o.provider.Name()),
	))
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrDeclined):
		outcome = "declined"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.ProviderCallDuration.WithLabelValues(o.provider.Name(), op, outcome).Observe(time.Since(start).Seconds())
	return v, err
}

func providerError(cause error, op string) error {
	err := errors.Mark(errors.Wrapf(cause, "provider %s", op), domain.ErrProvider)
	return errors.WithHint(err, retryHint)
}

func paymentEvent(pay domain.Payment, eventType string, at time.Time) domain.Event {
	return domain.NewEvent("payment", pay.ID, eventType, map[string]interface{}{
		"payment_id":          pay.ID,
		"booking_id":          pay.BookingID,
		"user_id":             pay.UserID,
		"provider":            pay.Provider,
		"provider_payment_id": pay.ProviderPaymentID,
		"amount":              pay.Amount.String(),
		"currency":            pay.Currency,
		"status":              pay.Status,
		"reason":              pay.FailureReason,
	}, at)
}

func refundEvent(pay domain.Payment, r domain.Refund, at time.Time) domain.Event {
	return domain.NewEvent("refund", r.ID, domain.EventPaymentRefunded, map[string]interface{}{
		"payment_id":      pay.ID,
		"booking_id":      pay.BookingID,
		"refund_id":       r.ID,
		"amount":          r.Amount.String(),
		"refunded_amount": pay.RefundedAmount.String(),
		"currency":        r.Currency,
		"status":          pay.Status,
		"reason":          r.Reason,
	}, at)
}
