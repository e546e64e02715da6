package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatLock is a time-boxed exclusive hold of a seat for a trip segment.
// At most one unexpired lock may exist per trip and seat for overlapping segments.
type SeatLock struct {
	TripID     uuid.UUID `json:"trip_id" db:"trip_id"`
	SeatID     uuid.UUID `json:"seat_id" db:"seat_id"`
	HolderID   uuid.UUID `json:"holder_id" db:"holder_id"` // owning booking
	FromIndex  int       `json:"from_index" db:"from_index"`
	ToIndex    int       `json:"to_index" db:"to_index"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// Segment returns the station-index interval the lock covers
func (l SeatLock) Segment() Segment {
	return Segment{FromIndex: l.FromIndex, ToIndex: l.ToIndex}
}

// ActiveAt reports whether the lock still holds its seat at the given instant
func (l SeatLock) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// AcquireRequest asks the lock manager for an all-or-nothing hold
type AcquireRequest struct {
	TripID       uuid.UUID
	SeatIDs      []uuid.UUID
	Segment      Segment
	HolderID     uuid.UUID
	HoldDuration time.Duration
}

// LockSweepResult reports what one expiry pass over seat locks did
type LockSweepResult struct {
	Scanned         int
	BookingsExpired int
	OrphansReleased int
	AlreadyResolved int
}
