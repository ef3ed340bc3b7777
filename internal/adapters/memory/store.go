// Package memory is an in-process implementation of the persistence ports,
// used by tests and by local runs without CockroachDB.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/google/uuid"
)

type Store struct {
	mu           sync.Mutex
	reservations map[uuid.UUID]domain.Reservation
	bookings     map[uuid.UUID]domain.Booking
	payments     map[uuid.UUID]domain.Payment
	refunds      map[uuid.UUID]domain.Refund
	outbox       []domain.Event
}

func NewStore() *Store {
	return &Store{
		reservations: make(map[uuid.UUID]domain.Reservation),
		bookings:     make(map[uuid.UUID]domain.Booking),
		payments:     make(map[uuid.UUID]domain.Payment),
		refunds:      make(map[uuid.UUID]domain.Refund),
	}
}

// WithTx runs fn directly. Callers already serialize conflicting writes
// through the ledger and key locks, and every write below is a single
// compare-and-set.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) CreateReservation(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "reservation %s", r.ID)
	}
	if r.Status == domain.ReservationActive {
		for _, o := range s.reservations {
			if o.UserID == r.UserID && o.Status == domain.ReservationActive {
				return errors.Wrapf(domain.ErrDuplicate, "user %s already has an active reservation", r.UserID)
			}
		}
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) GetReservation(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return r, nil
}

func (s *Store) ActiveReservationByUser(_ context.Context, userID uuid.UUID) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.UserID == userID && r.Status == domain.ReservationActive {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateReservationStatus(_ context.Context, id uuid.UUID, from, to domain.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	if r.Status != from {
		return errors.Wrapf(domain.ErrConcurrentUpdate, "reservation %s is %s, not %s", id, r.Status, from)
	}
	r.Status = to
	s.reservations[id] = r
	return nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Status == domain.ReservationActive && r.ExpiredAt(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateBooking(_ context.Context, b domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.bookings {
		if o.ID == b.ID || o.ReservationID == b.ReservationID {
			return errors.Wrapf(domain.ErrDuplicate, "booking for reservation %s", b.ReservationID)
		}
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	return b, nil
}

func (s *Store) GetBookingByReservation(_ context.Context, reservationID uuid.UUID) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.ReservationID == reservationID {
			return b, nil
		}
	}
	return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking for reservation %s", reservationID)
}

// UpdateBooking writes b only if the stored booking is still in status from.
func (s *Store) UpdateBooking(_ context.Context, b domain.Booking, from domain.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[b.ID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "booking %s", b.ID)
	}
	if cur.Status != from {
		return errors.Wrapf(domain.ErrConcurrentUpdate, "booking %s is %s, not %s", b.ID, cur.Status, from)
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) CountActiveBookings(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.UserID == userID && b.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListBookingsByUser(_ context.Context, userID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error) {
	return s.listBookings(func(b domain.Booking) bool { return b.UserID == userID && f.Match(b) }), nil
}

func (s *Store) ListBookingsByCourt(_ context.Context, courtID uuid.UUID, f domain.BookingFilter) ([]domain.Booking, error) {
	return s.listBookings(func(b domain.Booking) bool { return b.Interval.CourtID == courtID && f.Match(b) }), nil
}

func (s *Store) listBookings(keep func(domain.Booking) bool) []domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start.Before(out[j].Interval.Start) })
	return out
}

func (s *Store) ListUnpaidBookings(_ context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.Status == domain.BookingPendingPayment && !now.Before(b.PaymentDeadline) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreatePayment(_ context.Context, p domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.payments {
		if o.ID == p.ID || o.IdempotencyKey == p.IdempotencyKey || o.BookingID == p.BookingID {
			return errors.Wrapf(domain.ErrDuplicate, "payment for booking %s", p.BookingID)
		}
	}
	s.payments[p.ID] = p
	return nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, errors.Wrapf(domain.ErrNotFound, "payment %s", id)
	}
	return p, nil
}

func (s *Store) GetPaymentByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	return s.findPayment(func(p domain.Payment) bool { return p.IdempotencyKey == key })
}

func (s *Store) GetPaymentByBooking(_ context.Context, bookingID uuid.UUID) (domain.Payment, error) {
	return s.findPayment(func(p domain.Payment) bool { return p.BookingID == bookingID })
}

func (s *Store) GetPaymentByProviderID(_ context.Context, provider, providerPaymentID string) (domain.Payment, error) {
	return s.findPayment(func(p domain.Payment) bool {
		return p.Provider == provider && p.ProviderPaymentID == providerPaymentID
	})
}

func (s *Store) findPayment(match func(domain.Payment) bool) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if match(p) {
			return p, nil
		}
	}
	return domain.Payment{}, errors.Wrap(domain.ErrNotFound, "payment")
}

func (s *Store) UpdatePayment(_ context.Context, p domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "payment %s", p.ID)
	}
	if p.ProviderPaymentID != "" {
		for _, o := range s.payments {
			if o.ID != p.ID && o.Provider == p.Provider && o.ProviderPaymentID == p.ProviderPaymentID {
				return errors.Wrapf(domain.ErrDuplicate, "provider payment %s", p.ProviderPaymentID)
			}
		}
	}
	s.payments[p.ID] = p
	return nil
}

// ClaimCapture records key as the capture key if no capture has been claimed
// yet. It always returns the stored payment.
func (s *Store) ClaimCapture(_ context.Context, id uuid.UUID, key string, now time.Time) (domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, false, errors.Wrapf(domain.ErrNotFound, "payment %s", id)
	}
	if p.CaptureKey != "" || p.Status != domain.PaymentCreated {
		return p, false, nil
	}
	p.CaptureKey = key
	p.CaptureStartedAt = &now
	p.UpdatedAt = now
	s.payments[id] = p
	return p, true, nil
}

func (s *Store) ListReconcilePending(_ context.Context, limit int) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if p.NeedsReconcile {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateRefund(_ context.Context, r domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.refunds {
		if o.ID == r.ID || o.IdempotencyKey == r.IdempotencyKey {
			return errors.Wrapf(domain.ErrDuplicate, "refund %s", r.IdempotencyKey)
		}
	}
	s.refunds[r.ID] = r
	return nil
}

func (s *Store) GetRefundByKey(_ context.Context, key string) (domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.IdempotencyKey == key {
			return r, nil
		}
	}
	return domain.Refund{}, errors.Wrapf(domain.ErrNotFound, "refund %s", key)
}

func (s *Store) UpdateRefund(_ context.Context, r domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "refund %s", r.ID)
	}
	s.refunds[r.ID] = r
	return nil
}

func (s *Store) ListRefunds(_ context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertOutbox(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outbox {
		if o.DedupeKey == e.DedupeKey {
			return nil
		}
	}
	s.outbox = append(s.outbox, e)
	return nil
}

func (s *Store) GetUnpublishedOutbox(_ context.Context, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			at := at
			s.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox event %s", id)
}

// Events returns every outbox event of the given type, for assertions.
func (s *Store) Events(eventType string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.outbox {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ActiveOccupancies returns the occupants the ledger must be rebuilt from.
func (s *Store) ActiveOccupancies(_ context.Context, now time.Time) ([]ledger.Occupant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Occupant
	for _, r := range s.reservations {
		if r.Status == domain.ReservationActive && !r.ExpiredAt(now) {
			out = append(out, ledger.Occupant{
				HolderID: r.ID, Kind: ledger.KindHold, UserID: r.UserID, Interval: r.Interval, ExpiresAt: r.ExpiresAt,
			})
		}
	}
	for _, b := range s.bookings {
		if b.Status.Active() {
			out = append(out, ledger.Occupant{
				HolderID: b.ID, Kind: ledger.KindBooking, UserID: b.UserID, Interval: b.Interval,
			})
		}
	}
	return out, nil
}
