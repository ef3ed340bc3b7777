package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Court is the directory view of a bookable court.
type Court struct {
	ID         uuid.UUID
	FacilityID uuid.UUID
	Name       string
	HourlyRate decimal.Decimal
	Currency   string
	ManagerIDs []uuid.UUID
}

func (c Court) ManagedBy(userID uuid.UUID) bool {
	for _, id := range c.ManagerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TimeInterval is a half-open [Start, End) range on one court.
type TimeInterval struct {
	CourtID uuid.UUID
	Start   time.Time
	End     time.Time
}

func (i TimeInterval) Validate() error {
	if i.CourtID == uuid.Nil {
		return errors.Wrap(ErrInvalidInput, "court id is required")
	}
	if !i.End.After(i.Start) {
		return errors.Wrap(ErrInvalidInput, "end must be after start")
	}
	return nil
}

func (i TimeInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Conflicts reports whether both intervals are on the same court and overlap.
// Touching intervals (one ends when the other starts) do not conflict.
func (i TimeInterval) Conflicts(o TimeInterval) bool {
	return i.CourtID == o.CourtID && i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i TimeInterval) Equal(o TimeInterval) bool {
	return i.CourtID == o.CourtID && i.Start.Equal(o.Start) && i.End.Equal(o.End)
}
