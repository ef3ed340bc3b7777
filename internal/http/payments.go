package http

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/idempotency"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func idempotencyKey(r *http.Request, required bool) (string, error) {
	key := r.Header.Get(idempotency.HeaderKey)
	if key == "" && required {
		return "", errors.Wrap(domain.ErrInvalidInput, "Idempotency-Key header is required")
	}
	return key, nil
}

func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		BookingID   uuid.UUID        `json:"booking_id" validate:"required"`
		Amount      *decimal.Decimal `json:"amount" validate:"required"`
		Currency    string           `json:"currency" validate:"required,currency"`
		SourceToken string           `json:"source_token"`
	}
	if err := h.validate.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	pay, err := h.payments.CreateIntent(r.Context(), payment.IntentInput{
		BookingID:      req.BookingID,
		Amount:         *req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: key,
		SourceToken:    req.SourceToken,
	}, principal(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentView(pay))
}

// CapturePayment answers 200 for a settled payment and 402 for one the
// provider declined.
func (h *Handlers) CapturePayment(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		PaymentID uuid.UUID `json:"payment_id" validate:"required"`
	}
	if err := h.validate.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.payments.Capture(r.Context(), req.PaymentID, key, principal(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set(idempotency.HeaderReplayed, "true")
	}
	view := newPaymentView(res.Payment)
	if !res.Succeeded() {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Code:    "payment_declined",
			Error:   res.Payment.FailureReason,
			Payment: &view,
		})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pay, err := h.payments.Get(r.Context(), id, principal(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentView(pay))
}

// RefundPayment answers 201 for a completed refund and 502 when the provider
// refused it; the refund record is returned either way.
func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key, _ := idempotencyKey(r, false)
	var req struct {
		Amount *decimal.Decimal `json:"amount"`
		Reason string           `json:"reason" validate:"max=500"`
	}
	if err := h.validate.decode(r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}

	refund, err := h.payments.Refund(r.Context(), payment.RefundInput{
		PaymentID:      id,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	}, principal(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if refund.Status == domain.RefundFailed {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"code":   "refund_declined",
			"error":  "the payment provider declined the refund",
			"refund": newRefundView(refund),
		})
		return
	}
	writeJSON(w, http.StatusCreated, newRefundView(refund))
}

// PaymentWebhook receives provider notifications. It is not authenticated
// by bearer token; the provider signature is verified instead.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "unreadable body"))
		return
	}
	if err := h.payments.HandleWebhook(r.Context(), r.Header, body); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
