package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrForbidden            = errors.New("forbidden")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrDuplicate            = errors.New("duplicate record")

	ErrSlotConflict        = errors.New("slot conflict")
	ErrUserHasActiveHold   = errors.New("user already has an active hold")
	ErrHoldExpired         = errors.New("hold expired")
	ErrLimitExceeded       = errors.New("active booking limit exceeded")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrCancellationClosed  = errors.New("cancellation window closed")
	ErrConcurrentUpdate    = errors.New("record changed concurrently")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")
	ErrProvider            = errors.New("payment provider error")
	ErrAlreadyCaptured     = errors.New("payment already captured")
	ErrCaptureInProgress   = errors.New("capture already in progress")
	ErrAmountExceeds       = errors.New("refund amount exceeds captured amount")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// ActiveHoldError is returned when a user asks for a second hold. It carries
// the hold that is still active so the caller can resume or discard it.
type ActiveHoldError struct {
	Hold Reservation
}

func (e *ActiveHoldError) Error() string {
	return "user already has an active hold " + e.Hold.ID.String()
}

func (e *ActiveHoldError) Is(target error) bool {
	return target == ErrUserHasActiveHold
}
