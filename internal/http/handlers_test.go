package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/memory"
	"github.com/edbertswd/court-reservations-and-payments/internal/booking"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	httpapi "github.com/edbertswd/court-reservations-and-payments/internal/http"
	"github.com/edbertswd/court-reservations-and-payments/internal/idempotency"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/edbertswd/court-reservations-and-payments/internal/limit"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment/manual"
	"github.com/edbertswd/court-reservations-and-payments/internal/rateLimit"
	"github.com/edbertswd/court-reservations-and-payments/internal/reservation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type server struct {
	t        *testing.T
	handler  http.Handler
	auth     *httpapi.Authenticator
	provider *manual.Provider
	store    *memory.Store
	court    domain.Court
	manager  uuid.UUID
}

func newServer(t *testing.T, checks ...httpapi.ReadinessCheck) *server {
	t.Helper()
	log, _ := test.NewNullLogger()
	logger := observability.Wrap(log)
	clk := clock.NewFake(now)
	manager := uuid.New()
	court := domain.Court{ID: uuid.New(), HourlyRate: decimal.RequireFromString("30"), Currency: "AUD", ManagerIDs: []uuid.UUID{manager}}
	dir := memory.NewDirectory(court)
	store := memory.NewStore()
	l := ledger.New(clk, logger)
	users := keylock.New()

	holds := reservation.NewManager(store, l, dir, clk, logger, reservation.WithUserLocks(users))
	ctrl := booking.NewController(store, l, limit.NewGuard(store, limit.DefaultMax, users), holds, dir, nil, clk, logger)
	provider := manual.New("whsec", manual.NewMemoryStore())
	orch := payment.NewOrchestrator(store, ctrl, dir, provider, clk, logger)
	ctrl.AttachRefunder(orch)

	auth := httpapi.NewAuthenticator("jwt-secret", logger)
	h := httpapi.NewHandlers(holds, ctrl, orch, logger, checks...)
	router := httpapi.SetupRouter(h, logger, auth,
		rateLimit.NewRateLimiter(rateLimit.NewMemoryCounter(), logger), 1000,
		idempotency.NewIdempotency(idempotency.NewMemoryStore(), time.Hour, logger))

	return &server{t: t, handler: router, auth: auth, provider: provider, store: store, court: court, manager: manager}
}

func (s *server) token(user uuid.UUID) string {
	tok, err := s.auth.Issue(user, time.Hour)
	if err != nil {
		s.t.Fatal(err)
	}
	return tok
}

func (s *server) do(method, path string, user uuid.UUID, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+s.token(user))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (s *server) slot(offset time.Duration, length time.Duration) map[string]interface{} {
	start := now.Add(48*time.Hour + offset)
	return map[string]interface{}{"court_id": s.court.ID, "start": start, "end": start.Add(length)}
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body)
	}
}

func TestBookAndPayByBankTransfer(t *testing.T) {
	s := newServer(t)
	user := uuid.New()

	rec, hold := s.do(http.MethodPost, "/v1/reservations", user, s.slot(0, 2*time.Hour), nil)
	expect(t, rec, http.StatusCreated)

	rec, body := s.do(http.MethodPost, "/v1/reservations", user, s.slot(4*time.Hour, time.Hour), nil)
	expect(t, rec, http.StatusConflict)
	if body["code"] != "user_has_active_hold" || body["active_hold"].(map[string]interface{})["id"] != hold["id"] {
		t.Fatalf("second hold = %v", body)
	}

	rec, b := s.do(http.MethodPost, "/v1/bookings", user, map[string]interface{}{"reservation_id": hold["id"]}, nil)
	expect(t, rec, http.StatusCreated)
	if b["status"] != "pending_payment" || b["amount"] != "60" || b["platform_fee"] != "6" {
		t.Fatalf("booking = %v", b)
	}

	rec, _ = s.do(http.MethodGet, "/v1/reservations/active", user, nil, nil)
	expect(t, rec, http.StatusNotFound)

	rec, pay := s.do(http.MethodPost, "/v1/payments", user,
		map[string]interface{}{"booking_id": b["id"], "amount": "60", "currency": "AUD"},
		map[string]string{"Idempotency-Key": "intent-1"})
	expect(t, rec, http.StatusCreated)
	reference, _ := pay["provider_payment_id"].(string)
	if pay["provider"] != manual.Name || !strings.HasPrefix(reference, "MAN-") {
		t.Fatalf("payment = %v", pay)
	}

	capture := map[string]interface{}{"payment_id": pay["id"]}
	rec, body = s.do(http.MethodPost, "/v1/payments/capture", user, capture, map[string]string{"Idempotency-Key": "cap-1"})
	expect(t, rec, http.StatusBadGateway)
	if body["code"] != "provider_error" || body["hint"] == nil {
		t.Fatalf("pending capture = %v", body)
	}

	notification := `{"id":"n-1","type":"transfer.received","reference":"` + reference + `","amount":"60"}`
	rec, _ = s.do(http.MethodPost, "/v1/payments/webhook", uuid.Nil, notification,
		map[string]string{manual.SignatureHeader: s.provider.Sign([]byte(notification))})
	expect(t, rec, http.StatusOK)

	rec, b = s.do(http.MethodGet, "/v1/bookings/"+b["id"].(string), user, nil, nil)
	expect(t, rec, http.StatusOK)
	if b["status"] != "confirmed" {
		t.Fatalf("booking after transfer = %v", b)
	}

	rec, body = s.do(http.MethodPost, "/v1/payments/capture", user, capture, map[string]string{"Idempotency-Key": "cap-1"})
	expect(t, rec, http.StatusOK)
	if body["status"] != "captured" || rec.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Fatalf("capture retry = %v", body)
	}

	rec, _ = s.do(http.MethodPost, "/v1/payments/"+pay["id"].(string)+"/refund", user, map[string]interface{}{"amount": "10"}, nil)
	expect(t, rec, http.StatusForbidden)

	rec, refund := s.do(http.MethodPost, "/v1/payments/"+pay["id"].(string)+"/refund", s.manager,
		map[string]interface{}{"amount": "10", "reason": "lights out"}, map[string]string{"Idempotency-Key": "refund-1"})
	expect(t, rec, http.StatusCreated)
	if refund["status"] != "succeeded" || refund["amount"] != "10" {
		t.Fatalf("refund = %v", refund)
	}

	rec, body = s.do(http.MethodPost, "/v1/payments/"+pay["id"].(string)+"/refund", s.manager, map[string]interface{}{"amount": "100"}, nil)
	expect(t, rec, http.StatusBadRequest)
	if body["code"] != "amount_exceeds_captured" {
		t.Fatalf("over-refund = %v", body)
	}
}

func TestHoldConflictBetweenUsers(t *testing.T) {
	s := newServer(t)

	rec, _ := s.do(http.MethodPost, "/v1/reservations", uuid.New(), s.slot(0, time.Hour), nil)
	expect(t, rec, http.StatusCreated)

	rec, body := s.do(http.MethodPost, "/v1/reservations", uuid.New(), s.slot(30*time.Minute, time.Hour), nil)
	expect(t, rec, http.StatusConflict)
	if body["code"] != "slot_conflict" {
		t.Fatalf("body = %v", body)
	}

	rec, _ = s.do(http.MethodPost, "/v1/reservations", uuid.New(), s.slot(time.Hour, time.Hour), nil)
	expect(t, rec, http.StatusCreated)
}

func TestCancelReservationAndBooking(t *testing.T) {
	s := newServer(t)
	user := uuid.New()

	rec, hold := s.do(http.MethodPost, "/v1/reservations", user, s.slot(0, time.Hour), nil)
	expect(t, rec, http.StatusCreated)
	rec, _ = s.do(http.MethodDelete, "/v1/reservations/"+hold["id"].(string), uuid.New(), nil, nil)
	expect(t, rec, http.StatusForbidden)
	rec, _ = s.do(http.MethodDelete, "/v1/reservations/"+hold["id"].(string), user, nil, nil)
	expect(t, rec, http.StatusNoContent)

	rec, hold = s.do(http.MethodPost, "/v1/reservations", user, s.slot(0, time.Hour), nil)
	expect(t, rec, http.StatusCreated)
	rec, b := s.do(http.MethodPost, "/v1/bookings", user, map[string]interface{}{"reservation_id": hold["id"]}, nil)
	expect(t, rec, http.StatusCreated)

	rec, _ = s.do(http.MethodPost, "/v1/bookings/"+b["id"].(string)+"/cancel", uuid.New(), nil, nil)
	expect(t, rec, http.StatusForbidden)

	rec, b = s.do(http.MethodPost, "/v1/bookings/"+b["id"].(string)+"/cancel", user, map[string]interface{}{"reason": "injury"}, nil)
	expect(t, rec, http.StatusOK)
	if b["status"] != "cancelled" || b["cancellation_reason"] != "injury" {
		t.Fatalf("booking = %v", b)
	}

	rec, list := s.do(http.MethodGet, "/v1/bookings?status=cancelled", user, nil, nil)
	expect(t, rec, http.StatusOK)
	if n := len(list["bookings"].([]interface{})); n != 1 {
		t.Fatalf("cancelled bookings = %d", n)
	}
	rec, _ = s.do(http.MethodGet, "/v1/bookings?status=paid", user, nil, nil)
	expect(t, rec, http.StatusBadRequest)
}

func TestIdempotentBookingReplay(t *testing.T) {
	s := newServer(t)
	user := uuid.New()

	rec, hold := s.do(http.MethodPost, "/v1/reservations", user, s.slot(0, time.Hour), nil)
	expect(t, rec, http.StatusCreated)

	req := map[string]interface{}{"reservation_id": hold["id"]}
	headers := map[string]string{"Idempotency-Key": "book-1"}
	rec, first := s.do(http.MethodPost, "/v1/bookings", user, req, headers)
	expect(t, rec, http.StatusCreated)
	rec, second := s.do(http.MethodPost, "/v1/bookings", user, req, headers)
	expect(t, rec, http.StatusCreated)
	if first["id"] != second["id"] || rec.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Fatalf("replay = %v vs %v", first, second)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newServer(t)
	user := uuid.New()

	start := now.Add(48 * time.Hour)
	rec, body := s.do(http.MethodPost, "/v1/reservations", user,
		map[string]interface{}{"court_id": s.court.ID, "start": start, "end": start.Add(-time.Hour)}, nil)
	expect(t, rec, http.StatusBadRequest)
	if body["code"] != "invalid_input" || len(body["fields"].([]interface{})) != 1 {
		t.Fatalf("body = %v", body)
	}

	rec, _ = s.do(http.MethodPost, "/v1/reservations", user, `{"court_id":`, nil)
	expect(t, rec, http.StatusBadRequest)

	rec, _ = s.do(http.MethodPost, "/v1/payments", user,
		map[string]interface{}{"booking_id": uuid.New(), "amount": "60", "currency": "AUD"}, nil)
	expect(t, rec, http.StatusBadRequest)

	rec, body = s.do(http.MethodPost, "/v1/payments", user,
		map[string]interface{}{"booking_id": uuid.New(), "amount": "60", "currency": "aud"},
		map[string]string{"Idempotency-Key": "k"})
	expect(t, rec, http.StatusBadRequest)
	if body["fields"] == nil {
		t.Fatalf("body = %v", body)
	}

	rec, _ = s.do(http.MethodGet, "/v1/bookings/not-a-uuid", user, nil, nil)
	expect(t, rec, http.StatusBadRequest)
}

func TestAuthentication(t *testing.T) {
	s := newServer(t)

	rec, body := s.do(http.MethodGet, "/v1/bookings", uuid.Nil, nil, nil)
	expect(t, rec, http.StatusUnauthorized)
	if body["code"] != "unauthenticated" {
		t.Fatalf("body = %v", body)
	}

	other := httpapi.NewAuthenticator("other-secret", nil)
	tok, _ := other.Issue(uuid.New(), time.Hour)
	rec, _ = s.do(http.MethodGet, "/v1/bookings", uuid.Nil, nil, map[string]string{"Authorization": "Bearer " + tok})
	expect(t, rec, http.StatusUnauthorized)

	rec, _ = s.do(http.MethodGet, "/v1/healthz", uuid.Nil, nil, nil)
	expect(t, rec, http.StatusOK)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(http.MethodPost, "/v1/payments/webhook", uuid.Nil,
		`{"id":"n-1","type":"transfer.received","reference":"MAN-1"}`,
		map[string]string{manual.SignatureHeader: "sha256=00"})
	expect(t, rec, http.StatusUnauthorized)
	if body["code"] != "invalid_signature" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadiness(t *testing.T) {
	s := newServer(t, httpapi.ReadinessCheck{Name: "crdb", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rec, body := s.do(http.MethodGet, "/v1/readyz", uuid.Nil, nil, nil)
	expect(t, rec, http.StatusServiceUnavailable)
	if body["failed"].(map[string]interface{})["crdb"] == nil {
		t.Fatalf("body = %v", body)
	}
}

func TestListCourtBookings(t *testing.T) {
	s := newServer(t)
	user := uuid.New()

	rec, hold := s.do(http.MethodPost, "/v1/reservations", user, s.slot(0, time.Hour), nil)
	expect(t, rec, http.StatusCreated)
	rec, _ = s.do(http.MethodPost, "/v1/bookings", user, map[string]interface{}{"reservation_id": hold["id"]}, nil)
	expect(t, rec, http.StatusCreated)

	rec, list := s.do(http.MethodGet, "/v1/bookings?upcoming=true", user, nil, nil)
	expect(t, rec, http.StatusOK)
	if n := len(list["bookings"].([]interface{})); n != 1 {
		t.Fatalf("upcoming bookings = %d", n)
	}
	rec, _ = s.do(http.MethodGet, "/v1/bookings?upcoming=soon", user, nil, nil)
	expect(t, rec, http.StatusBadRequest)

	path := "/v1/courts/" + s.court.ID.String() + "/bookings"
	day := now.Add(48 * time.Hour).Format("2006-01-02")
	rec, list = s.do(http.MethodGet, path+"?date="+day, s.manager, nil, nil)
	expect(t, rec, http.StatusOK)
	if n := len(list["bookings"].([]interface{})); n != 1 {
		t.Fatalf("bookings on %s = %d", day, n)
	}
	rec, list = s.do(http.MethodGet, path+"?date="+now.Format("2006-01-02")+"&status=pending_payment", s.manager, nil, nil)
	expect(t, rec, http.StatusOK)
	if n := len(list["bookings"].([]interface{})); n != 0 {
		t.Fatalf("bookings today = %d", n)
	}

	rec, _ = s.do(http.MethodGet, path+"?date=03/04/2026", s.manager, nil, nil)
	expect(t, rec, http.StatusBadRequest)
	rec, _ = s.do(http.MethodGet, path, user, nil, nil)
	expect(t, rec, http.StatusForbidden)
}
