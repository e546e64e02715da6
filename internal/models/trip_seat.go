package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatStatus is the derived occupancy of a seat for one trip segment
type SeatStatus string

const (
	SeatStatusFree   SeatStatus = "FREE"
	SeatStatusLocked SeatStatus = "LOCKED"
	SeatStatusBooked SeatStatus = "BOOKED"
)

// Segment is the half-open station-index interval [FromIndex, ToIndex) a passenger travels
type Segment struct {
	FromIndex int `json:"from_index" db:"from_index"`
	ToIndex   int `json:"to_index" db:"to_index"`
}

// Valid reports whether the segment covers at least one leg
func (s Segment) Valid() bool {
	return s.FromIndex >= 0 && s.FromIndex < s.ToIndex
}

// Overlaps reports whether two segments share any leg.
// [a,b) and [c,d) conflict iff a < d and c < b.
func (s Segment) Overlaps(o Segment) bool {
	return s.FromIndex < o.ToIndex && o.FromIndex < s.ToIndex
}

// Seat is a physical seat of a coach. It carries no booking status; that is derived per trip segment.
type Seat struct {
	ID          uuid.UUID `json:"id" db:"id"`
	CoachID     uuid.UUID `json:"coach_id" db:"coach_id"`
	CoachNumber string    `json:"coach_number" db:"coach_number"`
	SeatNumber  string    `json:"seat_number" db:"seat_number"`
	RowNumber   int       `json:"row_number" db:"row_number"`
	Position    int       `json:"position" db:"position"`
	Tier        *string   `json:"tier,omitempty" db:"tier"` // berth tier for sleeper coaches
	FareClass   FareClass `json:"fare_class" db:"fare_class"`
	BasePrice   float64   `json:"base_price" db:"base_price"`
	Disabled    bool      `json:"disabled" db:"disabled"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FareClass groups seats by comfort level
type FareClass string

const (
	FareClassSoftSeat    FareClass = "soft_seat"
	FareClassHardSeat    FareClass = "hard_seat"
	FareClassSleeper     FareClass = "sleeper"
	FareClassSoftSleeper FareClass = "soft_sleeper"
)

// Multiplier returns the price factor applied on top of a seat's base price
func (f FareClass) Multiplier() float64 {
	switch f {
	case FareClassSoftSleeper:
		return 1.5
	case FareClassSleeper:
		return 1.3
	case FareClassSoftSeat:
		return 1.1
	default:
		return 1.0
	}
}

// SeatAvailability is a row of the seat map returned to shoppers
type SeatAvailability struct {
	Seat
	Status SeatStatus `json:"status"`
}

// TripStats summarizes trip-wide occupancy for the stats channel event
type TripStats struct {
	TotalSeats  int `json:"total_seats"`
	FreeSeats   int `json:"free_seats"`
	LockedSeats int `json:"locked_seats"`
	BookedSeats int `json:"booked_seats"`
}

// ComputeOccupancy derives the status of every seat for a segment.
// BOOKED wins over LOCKED, LOCKED over FREE. Disabled seats are skipped.
func ComputeOccupancy(seats []Seat, tickets []Ticket, locks []SeatLock, seg Segment, now time.Time) map[uuid.UUID]SeatStatus {
	out := make(map[uuid.UUID]SeatStatus, len(seats))
	for _, s := range seats {
		if s.Disabled {
			continue
		}
		out[s.ID] = SeatStatusFree
	}

	for _, l := range locks {
		if !l.ActiveAt(now) || !l.Segment().Overlaps(seg) {
			continue
		}
		if st, ok := out[l.SeatID]; ok && st == SeatStatusFree {
			out[l.SeatID] = SeatStatusLocked
		}
	}

	for _, t := range tickets {
		if t.Status != TicketStatusActive || !t.Segment().Overlaps(seg) {
			continue
		}
		if _, ok := out[t.SeatID]; ok {
			out[t.SeatID] = SeatStatusBooked
		}
	}

	return out
}

// Stats folds an occupancy map into counts
func Stats(occupancy map[uuid.UUID]SeatStatus) TripStats {
	stats := TripStats{TotalSeats: len(occupancy)}
	for _, st := range occupancy {
		switch st {
		case SeatStatusBooked:
			stats.BookedSeats++
		case SeatStatusLocked:
			stats.LockedSeats++
		default:
			stats.FreeSeats++
		}
	}
	return stats
}

// SeatMap is the shopper-facing occupancy view of a trip segment
type SeatMap struct {
	TripID  uuid.UUID          `json:"trip_id"`
	Segment Segment            `json:"segment"`
	Seats   []SeatAvailability `json:"seats"`
	Stats   TripStats          `json:"stats"`
}
