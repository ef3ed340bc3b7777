package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
)

type errorBody struct {
	Code       string            `json:"code"`
	Error      string            `json:"error"`
	Hint       string            `json:"hint,omitempty"`
	Fields     []ValidationError `json:"fields,omitempty"`
	ActiveHold *reservationView  `json:"active_hold,omitempty"`
	Payment    *paymentView      `json:"payment,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrHoldExpired, http.StatusGone, "hold_expired"},
	{domain.ErrAmountExceeds, http.StatusBadRequest, "amount_exceeds_captured"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domain.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
	{domain.ErrUserHasActiveHold, http.StatusConflict, "user_has_active_hold"},
	{domain.ErrLimitExceeded, http.StatusConflict, "limit_exceeded"},
	{domain.ErrIdempotencyMismatch, http.StatusConflict, "idempotency_mismatch"},
	{domain.ErrAlreadyCaptured, http.StatusConflict, "already_captured"},
	{domain.ErrCaptureInProgress, http.StatusConflict, "capture_in_progress"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrCancellationClosed, http.StatusConflict, "cancellation_closed"},
	{domain.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{domain.ErrSerializationFailure, http.StatusConflict, "concurrent_update"},
	{domain.ErrDuplicate, http.StatusConflict, "duplicate"},
	{domain.ErrProvider, http.StatusBadGateway, "provider_error"},
}

// writeError maps err to a status and a JSON body. Unknown errors are logged
// and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	log := observability.FromContext(r.Context(), logger)

	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_input", Error: "validation failed", Fields: verrs})
		return
	}

	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		body := errorBody{Code: m.code, Error: err.Error(), Hint: strings.Join(errors.GetAllHints(err), "; ")}
		var active *domain.ActiveHoldError
		if errors.As(err, &active) {
			v := newReservationView(active.Hold)
			body.ActiveHold = &v
		}
		if m.status >= http.StatusInternalServerError {
			log.WithError(err).Warn("request failed upstream")
		}
		writeJSON(w, m.status, body)
		return
	}

	if errors.IsAssertionFailure(err) {
		log.WithError(err).WithField("detail", errors.FlattenDetails(err)).Error("invariant violated")
	} else {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
