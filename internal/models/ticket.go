package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus represents the state of an issued ticket
type TicketStatus string

const (
	TicketStatusActive   TicketStatus = "ACTIVE"
	TicketStatusRefunded TicketStatus = "REFUNDED"
)

// Ticket is issued at settlement, one per booking seat. Only Status (and RefundedAt) ever change.
type Ticket struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	BookingID         uuid.UUID    `json:"booking_id" db:"booking_id"`
	TripID            uuid.UUID    `json:"trip_id" db:"trip_id"`
	SeatID            uuid.UUID    `json:"seat_id" db:"seat_id"`
	PassengerName     string       `json:"passenger_name" db:"passenger_name"`
	PassengerIdentity string       `json:"passenger_identity" db:"passenger_identity"`
	Fare              float64      `json:"fare" db:"fare"`
	FromIndex         int          `json:"from_index" db:"from_index"`
	ToIndex           int          `json:"to_index" db:"to_index"`
	Status            TicketStatus `json:"status" db:"status"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	RefundedAt        *time.Time   `json:"refunded_at,omitempty" db:"refunded_at"`
}

// Segment returns the station-index interval the ticket covers
func (t Ticket) Segment() Segment {
	return Segment{FromIndex: t.FromIndex, ToIndex: t.ToIndex}
}
