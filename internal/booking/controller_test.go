package booking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/memory"
	"github.com/edbertswd/court-reservations-and-payments/internal/booking"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/edbertswd/court-reservations-and-payments/internal/limit"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/edbertswd/court-reservations-and-payments/internal/reservation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeRefunder struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	err   error
}

func (f *fakeRefunder) RefundForCancellation(_ context.Context, b domain.Booking, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls[b.ID]++
	return nil
}

type recordedActivity struct {
	action string
	id     uuid.UUID
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []recordedActivity
}

func (f *fakeAudit) Record(_ context.Context, action string, id uuid.UUID, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordedActivity{action: action, id: id})
}

type fixture struct {
	ctrl     *booking.Controller
	holds    *reservation.Manager
	store    *memory.Store
	ledger   *ledger.Ledger
	clk      *clock.Fake
	court    domain.Court
	manager  uuid.UUID
	refunder *fakeRefunder
	audit    *fakeAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	logger := observability.Wrap(log)
	clk := clock.NewFake(now)
	manager := uuid.New()
	court := domain.Court{
		ID:         uuid.New(),
		HourlyRate: decimal.RequireFromString("42.50"),
		Currency:   "AUD",
		ManagerIDs: []uuid.UUID{manager},
	}
	dir := memory.NewDirectory(court)
	store := memory.NewStore()
	l := ledger.New(clk, logger)
	users := keylock.New()

	holds := reservation.NewManager(store, l, dir, clk, logger, reservation.WithUserLocks(users))
	guard := limit.NewGuard(store, 5, users)
	audit := &fakeAudit{}
	ctrl := booking.NewController(store, l, guard, holds, dir, audit, clk, logger)
	refunder := &fakeRefunder{calls: make(map[uuid.UUID]int)}
	ctrl.AttachRefunder(refunder)

	return &fixture{
		ctrl: ctrl, holds: holds, store: store, ledger: l, clk: clk,
		court: court, manager: manager, refunder: refunder, audit: audit,
	}
}

func (f *fixture) slot(startHour, hours int) domain.TimeInterval {
	start := now.Add(time.Duration(startHour) * time.Hour)
	return domain.TimeInterval{CourtID: f.court.ID, Start: start, End: start.Add(time.Duration(hours) * time.Hour)}
}

func (f *fixture) book(t *testing.T, user uuid.UUID, iv domain.TimeInterval) domain.Booking {
	t.Helper()
	ctx := context.Background()
	h, err := f.holds.CreateHold(ctx, user, iv)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.ctrl.CreateFromHold(ctx, user, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCreateFromHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	h, err := f.holds.CreateHold(ctx, user, f.slot(24, 2))
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.ctrl.CreateFromHold(ctx, user, h.ID)
	if err != nil {
		t.Fatal(err)
	}

	if b.Status != domain.BookingPendingPayment {
		t.Fatalf("status = %s", b.Status)
	}
	if !b.Amount.Equal(decimal.RequireFromString("85")) {
		t.Fatalf("amount = %s", b.Amount)
	}
	if !b.PlatformFee().Equal(decimal.RequireFromString("8.5")) {
		t.Fatalf("fee = %s", b.PlatformFee())
	}
	if !b.PaymentDeadline.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("deadline = %s", b.PaymentDeadline)
	}

	occ := f.ledger.Occupants(f.court.ID)
	if len(occ) != 1 || occ[0].Kind != ledger.KindBooking || occ[0].HolderID != b.ID {
		t.Fatalf("ledger occupants = %+v", occ)
	}

	again, err := f.ctrl.CreateFromHold(ctx, user, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != b.ID {
		t.Fatal("converting the same hold twice should return the same booking")
	}

	active, _ := f.holds.GetActiveHold(ctx, user)
	if active != nil {
		t.Fatal("converted hold should no longer be active")
	}
}

func TestCreateFromExpiredHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	h, err := f.holds.CreateHold(ctx, user, f.slot(24, 1))
	if err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(10 * time.Minute)

	if _, err := f.ctrl.CreateFromHold(ctx, user, h.ID); !errors.Is(err, domain.ErrHoldExpired) {
		t.Fatalf("expected hold expired, got %v", err)
	}
	if !f.ledger.IsFree(f.slot(24, 1)) {
		t.Fatal("slot should be free")
	}
}

func TestCreateFromSomeoneElsesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.holds.CreateHold(ctx, uuid.New(), f.slot(24, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.CreateFromHold(ctx, uuid.New(), h.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestBookingLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 5; i++ {
		f.book(t, user, f.slot(24+i, 1))
	}

	h, err := f.holds.CreateHold(ctx, user, f.slot(30, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.CreateFromHold(ctx, user, h.ID); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if f.ledger.IsFree(f.slot(30, 1)) {
		t.Fatal("the hold should still occupy its slot")
	}

	// Cancelling one booking frees a place under the limit.
	bookings, _ := f.ctrl.ListForUser(ctx, user, nil, false)
	if _, err := f.ctrl.Cancel(ctx, bookings[0].ID, requestctx.Principal{UserID: user}, "changed plans"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.CreateFromHold(ctx, user, h.ID); err != nil {
		t.Fatalf("expected booking after cancellation, got %v", err)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, uuid.New(), f.slot(24, 1))

	first, err := f.ctrl.Confirm(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.ctrl.Confirm(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.BookingConfirmed || second.Status != domain.BookingConfirmed {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if n := len(f.store.Events(domain.EventBookingConfirmed)); n != 1 {
		t.Fatalf("booking.confirmed events = %d", n)
	}
}

func TestCancelConfirmedRefundsOnceAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(24, 1))
	if _, err := f.ctrl.Confirm(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: user}, "rain")
		}()
	}
	wg.Wait()

	got, _ := f.store.GetBooking(ctx, b.ID)
	if got.Status != domain.BookingCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if f.refunder.calls[b.ID] != 1 {
		t.Fatalf("refund calls = %d", f.refunder.calls[b.ID])
	}
	if !f.ledger.IsFree(b.Interval) {
		t.Fatal("slot should be free after cancellation")
	}
}

func TestCancelKeepsSlotWhenRefundFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(24, 1))
	if _, err := f.ctrl.Confirm(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	f.refunder.err = errors.Wrap(domain.ErrProvider, "timeout")
	if _, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: user}, ""); !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	got, _ := f.store.GetBooking(ctx, b.ID)
	if got.Status != domain.BookingConfirmed {
		t.Fatalf("status = %s", got.Status)
	}
	if f.ledger.IsFree(b.Interval) {
		t.Fatal("slot must stay booked when the refund was not accepted")
	}
}

func TestCancelPendingDoesNotRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(24, 1))

	got, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: user}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BookingCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if len(f.refunder.calls) != 0 {
		t.Fatal("pending booking should not be refunded")
	}
	if _, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: user}, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(3, 1))

	f.clk.Advance(90 * time.Minute)
	if _, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: user}, ""); !errors.Is(err, domain.ErrCancellationClosed) {
		t.Fatalf("expected cancellation closed, got %v", err)
	}
	if _, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: uuid.New()}, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
	if _, err := f.ctrl.Cancel(ctx, b.ID, requestctx.Principal{UserID: f.manager}, "court maintenance"); err != nil {
		t.Fatalf("manager should be able to cancel: %v", err)
	}
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(24, 1))

	if _, err := f.ctrl.Get(ctx, b.ID, requestctx.Principal{UserID: user}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Get(ctx, b.ID, requestctx.Principal{UserID: f.manager}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Get(ctx, b.ID, requestctx.Principal{UserID: uuid.New()}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSweepUnpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unpaid := f.book(t, uuid.New(), f.slot(24, 1))
	capturing := f.book(t, uuid.New(), f.slot(26, 1))

	p := domain.NewPayment(capturing, "manual", "intent-1", now)
	if err := f.store.CreatePayment(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, claimed, err := f.store.ClaimCapture(ctx, p.ID, "cap-1", now); err != nil || !claimed {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	f.clk.Advance(15 * time.Minute)
	n, err := f.ctrl.SweepUnpaid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d bookings", n)
	}

	got, _ := f.store.GetBooking(ctx, unpaid.ID)
	if got.Status != domain.BookingExpired {
		t.Fatalf("unpaid status = %s", got.Status)
	}
	if !f.ledger.IsFree(unpaid.Interval) {
		t.Fatal("expired booking should free its slot")
	}
	got, _ = f.store.GetBooking(ctx, capturing.ID)
	if got.Status != domain.BookingPendingPayment {
		t.Fatalf("booking with capture in flight should be left alone, got %s", got.Status)
	}
}

func TestTransitionsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	b := f.book(t, user, f.slot(24, 1))
	if _, err := f.ctrl.Confirm(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	var actions []string
	for _, e := range f.audit.entries {
		if e.id == b.ID {
			actions = append(actions, e.action)
		}
	}
	if len(actions) != 2 || actions[0] != "booking.created" || actions[1] != "booking.confirmed" {
		t.Fatalf("audit actions = %v", actions)
	}
}

func TestListForCourt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, uuid.New(), f.slot(24, 1))
	f.book(t, uuid.New(), f.slot(48, 2))

	all, err := f.ctrl.ListForCourt(ctx, f.court.ID, requestctx.Principal{UserID: f.manager}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("court bookings = %d", len(all))
	}

	day := first.Interval.Start
	onDay, err := f.ctrl.ListForCourt(ctx, f.court.ID, requestctx.Principal{UserID: f.manager}, nil, &day)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDay) != 1 || onDay[0].ID != first.ID {
		t.Fatalf("bookings on %s = %+v", day.Format("2006-01-02"), onDay)
	}

	confirmed := domain.BookingConfirmed
	none, err := f.ctrl.ListForCourt(ctx, f.court.ID, requestctx.Principal{UserID: f.manager}, &confirmed, nil)
	if err != nil || len(none) != 0 {
		t.Fatalf("confirmed bookings = %d, %v", len(none), err)
	}

	if _, err := f.ctrl.ListForCourt(ctx, f.court.ID, requestctx.Principal{UserID: first.UserID}, nil, nil); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for a player, got %v", err)
	}
}

func TestListForUserUpcoming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.book(t, user, f.slot(2, 1))
	later := f.book(t, user, f.slot(30, 1))

	f.clk.Advance(3 * time.Hour)

	all, err := f.ctrl.ListForUser(ctx, user, nil, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("all bookings = %d, %v", len(all), err)
	}
	upcoming, err := f.ctrl.ListForUser(ctx, user, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != later.ID {
		t.Fatalf("upcoming = %+v", upcoming)
	}
}
