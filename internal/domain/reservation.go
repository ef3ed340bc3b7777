package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConverted ReservationStatus = "converted"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a short-lived hold on a court interval.
type Reservation struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Interval  TimeInterval
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewReservation(userID uuid.UUID, interval TimeInterval, now time.Time, ttl time.Duration) Reservation {
	return Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		Interval:  interval,
		Status:    ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// ExpiredAt is the single expiry boundary: a hold created at T with TTL d is
// gone for any read at T+d or later.
func ExpiredAt(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

func (r Reservation) ExpiredAt(now time.Time) bool {
	return ExpiredAt(r.ExpiresAt, now)
}

// UsableAt reports whether the hold still blocks its slot and can be converted.
func (r Reservation) UsableAt(now time.Time) bool {
	return r.Status == ReservationActive && !r.ExpiredAt(now)
}
