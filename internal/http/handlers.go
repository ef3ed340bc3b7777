package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Holds interface {
	CreateHold(ctx context.Context, userID uuid.UUID, iv domain.TimeInterval) (domain.Reservation, error)
	GetActiveHold(ctx context.Context, userID uuid.UUID) (*domain.Reservation, error)
	CancelHold(ctx context.Context, reservationID, byUserID uuid.UUID) error
}

type Bookings interface {
	CreateFromHold(ctx context.Context, userID, reservationID uuid.UUID) (domain.Booking, error)
	Get(ctx context.Context, bookingID uuid.UUID, p requestctx.Principal) (domain.Booking, error)
	ListForUser(ctx context.Context, userID uuid.UUID, status *domain.BookingStatus, upcoming bool) ([]domain.Booking, error)
	ListForCourt(ctx context.Context, courtID uuid.UUID, p requestctx.Principal, status *domain.BookingStatus, day *time.Time) ([]domain.Booking, error)
	Cancel(ctx context.Context, bookingID uuid.UUID, p requestctx.Principal, reason string) (domain.Booking, error)
}

type Payments interface {
	CreateIntent(ctx context.Context, in payment.IntentInput, p requestctx.Principal) (domain.Payment, error)
	Get(ctx context.Context, paymentID uuid.UUID, p requestctx.Principal) (domain.Payment, error)
	Capture(ctx context.Context, paymentID uuid.UUID, key string, p requestctx.Principal) (payment.CaptureResult, error)
	Refund(ctx context.Context, in payment.RefundInput, p requestctx.Principal) (domain.Refund, error)
	HandleWebhook(ctx context.Context, headers http.Header, body []byte) error
}

// ReadinessCheck is one dependency checked by /v1/readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	holds    Holds
	bookings Bookings
	payments Payments
	validate *Validator
	logger   observability.Logger
	checks   []ReadinessCheck
}

func NewHandlers(holds Holds, bookings Bookings, payments Payments, logger observability.Logger, checks ...ReadinessCheck) *Handlers {
	return &Handlers{
		holds:    holds,
		bookings: bookings,
		payments: payments,
		validate: NewValidator(),
		logger:   logger,
		checks:   checks,
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func principal(r *http.Request) requestctx.Principal {
	p, _ := requestctx.PrincipalFrom(r.Context())
	return p
}

func idParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Wrap(domain.ErrInvalidInput, "invalid id")
	}
	return id, nil
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CourtID uuid.UUID `json:"court_id" validate:"required"`
		Start   time.Time `json:"start" validate:"required"`
		End     time.Time `json:"end" validate:"required,gtfield=Start"`
	}
	if err := h.validate.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	hold, err := h.holds.CreateHold(r.Context(), principal(r).UserID, domain.TimeInterval{
		CourtID: req.CourtID,
		Start:   req.Start.UTC(),
		End:     req.End.UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReservationView(hold))
}

func (h *Handlers) GetActiveReservation(w http.ResponseWriter, r *http.Request) {
	hold, err := h.holds.GetActiveHold(r.Context(), principal(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if hold == nil {
		h.fail(w, r, errors.Wrap(domain.ErrNotFound, "no active hold"))
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(*hold))
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.holds.CancelHold(r.Context(), id, principal(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID uuid.UUID `json:"reservation_id" validate:"required"`
	}
	if err := h.validate.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.bookings.CreateFromHold(r.Context(), principal(r).UserID, req.ReservationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBookingView(b))
}

func statusParam(r *http.Request) (*domain.BookingStatus, error) {
	s := r.URL.Query().Get("status")
	if s == "" {
		return nil, nil
	}
	st, err := domain.ParseBookingStatus(s)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func writeBookings(w http.ResponseWriter, list []domain.Booking) {
	views := make([]bookingView, 0, len(list))
	for _, b := range list {
		views = append(views, newBookingView(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": views})
}

func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	status, err := statusParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var upcoming bool
	if s := r.URL.Query().Get("upcoming"); s != "" {
		if upcoming, err = strconv.ParseBool(s); err != nil {
			h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "upcoming must be a boolean"))
			return
		}
	}
	list, err := h.bookings.ListForUser(r.Context(), principal(r).UserID, status, upcoming)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBookings(w, list)
}

// ListCourtBookings serves a court's bookings to its managers. ?date takes
// a calendar day in UTC.
func (h *Handlers) ListCourtBookings(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status, err := statusParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var day *time.Time
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "date must be YYYY-MM-DD"))
			return
		}
		day = &d
	}
	list, err := h.bookings.ListForCourt(r.Context(), id, principal(r), status, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBookings(w, list)
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.bookings.Get(r.Context(), id, principal(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(b))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if err := h.validate.decode(r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.bookings.Cancel(r.Context(), id, principal(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(b))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logger.WithFields(map[string]interface{}{"failed": failed}).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
