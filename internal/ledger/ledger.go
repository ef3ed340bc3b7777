// Package ledger keeps the authoritative per-court occupancy set. Every
// change to a court's occupants happens under that court's lock, so two
// overlapping holds or bookings can never be admitted on the same court.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
)

type Kind string

const (
	KindHold    Kind = "hold"
	KindBooking Kind = "booking"
)

// Occupant is one hold or booking blocking an interval. Bookings have a zero
// ExpiresAt and never lapse on their own.
type Occupant struct {
	HolderID  uuid.UUID
	Kind      Kind
	UserID    uuid.UUID
	Interval  domain.TimeInterval
	ExpiresAt time.Time
}

func (o Occupant) expiredAt(now time.Time) bool {
	return o.Kind == KindHold && domain.ExpiredAt(o.ExpiresAt, now)
}

// Handle identifies an occupant admitted by the ledger.
type Handle struct {
	CourtID  uuid.UUID
	HolderID uuid.UUID
}

// ConflictError names the occupant that blocked an admission.
type ConflictError struct {
	With Occupant
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict with %s %s on court %s [%s, %s)",
		e.With.Kind, e.With.HolderID, e.With.Interval.CourtID,
		e.With.Interval.Start.Format(time.RFC3339), e.With.Interval.End.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == domain.ErrSlotConflict
}

// CommitFunc persists the change being made. It runs under the court lock;
// if it fails the in-memory state is left untouched.
type CommitFunc func() error

type court struct {
	mu        sync.Mutex
	occupants map[uuid.UUID]Occupant
	version   uint64
}

type Ledger struct {
	clk    clock.Clock
	logger observability.Logger

	mu     sync.Mutex
	courts map[uuid.UUID]*court
}

func New(clk clock.Clock, logger observability.Logger) *Ledger {
	return &Ledger{
		clk:    clk,
		logger: logger,
		courts: make(map[uuid.UUID]*court),
	}
}

func (l *Ledger) court(id uuid.UUID) *court {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.courts[id]
	if !ok {
		c = &court{occupants: make(map[uuid.UUID]Occupant)}
		l.courts[id] = c
	}
	return c
}

// evictLocked drops lapsed holds. Their persisted rows are expired by the
// reservation sweep; the ledger only stops counting them.
func (c *court) evictLocked(now time.Time) {
	for id, o := range c.occupants {
		if o.expiredAt(now) {
			delete(c.occupants, id)
			c.version++
		}
	}
}

func (c *court) conflictLocked(iv domain.TimeInterval, skip uuid.UUID) (Occupant, bool) {
	for id, o := range c.occupants {
		if id == skip {
			continue
		}
		if o.Interval.Conflicts(iv) {
			return o, true
		}
	}
	return Occupant{}, false
}

// TryOccupy admits occ if its interval is free on the court, running commit
// before the occupant becomes visible.
func (l *Ledger) TryOccupy(occ Occupant, commit CommitFunc) (Handle, error) {
	if err := occ.Interval.Validate(); err != nil {
		return Handle{}, err
	}
	c := l.court(occ.Interval.CourtID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(l.clk.Now())
	if _, exists := c.occupants[occ.HolderID]; exists {
		return Handle{}, errors.AssertionFailedf("ledger: holder %s already occupies court %s", occ.HolderID, occ.Interval.CourtID)
	}
	if other, clash := c.conflictLocked(occ.Interval, uuid.Nil); clash {
		return Handle{}, &ConflictError{With: other}
	}
	if commit != nil {
		if err := commit(); err != nil {
			return Handle{}, err
		}
	}
	c.occupants[occ.HolderID] = occ
	c.version++
	return Handle{CourtID: occ.Interval.CourtID, HolderID: occ.HolderID}, nil
}

// Transfer replaces the hold fromHolder with the occupant to in one step.
// The slot is never observable as free in between.
func (l *Ledger) Transfer(courtID, fromHolder uuid.UUID, to Occupant, commit CommitFunc) (Handle, error) {
	if to.Interval.CourtID != courtID {
		return Handle{}, errors.AssertionFailedf("ledger: transfer across courts %s -> %s", courtID, to.Interval.CourtID)
	}
	c := l.court(courtID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := l.clk.Now()
	from, ok := c.occupants[fromHolder]
	if !ok || from.expiredAt(now) {
		c.evictLocked(now)
		return Handle{}, errors.Wrapf(domain.ErrHoldExpired, "hold %s no longer occupies court %s", fromHolder, courtID)
	}
	c.evictLocked(now)
	if other, clash := c.conflictLocked(to.Interval, fromHolder); clash {
		observability.LedgerInvariantViolations.Inc()
		err := errors.AssertionFailedf("ledger: hold %s overlaps %s %s on court %s", fromHolder, other.Kind, other.HolderID, courtID)
		l.logger.WithError(err).Error("availability ledger invariant violated")
		return Handle{}, err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return Handle{}, err
		}
	}
	delete(c.occupants, fromHolder)
	c.occupants[to.HolderID] = to
	c.version++
	return Handle{CourtID: courtID, HolderID: to.HolderID}, nil
}

// Release runs commit and then frees the slot. Releasing a holder that is no
// longer present (an evicted hold) still runs commit.
func (l *Ledger) Release(h Handle, commit CommitFunc) error {
	c := l.court(h.CourtID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	if _, ok := c.occupants[h.HolderID]; ok {
		delete(c.occupants, h.HolderID)
		c.version++
	}
	return nil
}

func (l *Ledger) IsFree(iv domain.TimeInterval) bool {
	c := l.court(iv.CourtID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(l.clk.Now())
	_, clash := c.conflictLocked(iv, uuid.Nil)
	return !clash
}

// Version returns the court's mutation counter.
func (l *Ledger) Version(courtID uuid.UUID) uint64 {
	c := l.court(courtID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Occupants returns the live occupants of a court ordered by start time.
func (l *Ledger) Occupants(courtID uuid.UUID) []Occupant {
	c := l.court(courtID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(l.clk.Now())
	out := make([]Occupant, 0, len(c.occupants))
	for _, o := range c.occupants {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start.Before(out[j].Interval.Start) })
	return out
}

// Load rebuilds the ledger from persisted state. Two overlapping occupants
// mean the store is corrupt; Load refuses to continue.
func (l *Ledger) Load(occupants []Occupant) error {
	now := l.clk.Now()
	for _, occ := range occupants {
		if occ.expiredAt(now) {
			continue
		}
		c := l.court(occ.Interval.CourtID)
		c.mu.Lock()
		other, clash := c.conflictLocked(occ.Interval, occ.HolderID)
		if !clash {
			c.occupants[occ.HolderID] = occ
			c.version++
		}
		c.mu.Unlock()
		if clash {
			observability.LedgerInvariantViolations.Inc()
			err := errors.AssertionFailedf("ledger: persisted %s %s overlaps %s %s on court %s",
				occ.Kind, occ.HolderID, other.Kind, other.HolderID, occ.Interval.CourtID)
			l.logger.WithError(err).Error("availability ledger invariant violated on load")
			return err
		}
	}
	return nil
}
