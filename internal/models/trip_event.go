package models

import (
	"time"

	"github.com/google/uuid"
)

// TripEventType names the events pushed on a trip channel
type TripEventType string

const (
	EventSeatsLocked         TripEventType = "seats.locked"
	EventSeatsReleased       TripEventType = "seats.released"
	EventSeatsBooked         TripEventType = "seats.booked"
	EventBookingStatusUpdate TripEventType = "booking.status_update"
	EventTripStatsUpdate     TripEventType = "trip.stats_update"
	EventTripDelayUpdate     TripEventType = "trip.delay_update"
)

// TripEvent is a UI-freshness signal. Consumers re-query the ledger; the event is never authoritative.
//
// Seq is the trip's commit sequence: it grows with each committed change of the trip and is shared
// by every event of one commit. Delivery may reorder commits, so consumers drop events older than
// the highest Seq they have seen.
type TripEvent struct {
	ID          string        `json:"id"`
	Type        TripEventType `json:"type"`
	TripID      uuid.UUID     `json:"trip_id"`
	Seq         int64         `json:"seq"`
	SeatIDs     []uuid.UUID   `json:"seat_ids,omitempty"`
	Segment     *Segment      `json:"segment,omitempty"`
	BookingCode string        `json:"booking_code,omitempty"`
	Status      BookingStatus `json:"status,omitempty"`
	Stats       *TripStats    `json:"stats,omitempty"`
	Delay       *TripDelay    `json:"delay,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// TripDelay is the payload of a delay update
type TripDelay struct {
	DepartureDelayMinutes int `json:"departure_delay_minutes"`
	ArrivalDelayMinutes   int `json:"arrival_delay_minutes"`
}

// SetDelayRequest is the admin request body for delay changes
type SetDelayRequest struct {
	Minutes *int `json:"minutes" binding:"required"`
}

// CancelTripRequest is the admin request body for a forced trip cancellation
type CancelTripRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelTripResult summarizes a forced trip cancellation
type CancelTripResult struct {
	TripID            uuid.UUID `json:"trip_id"`
	BookingsCancelled int       `json:"bookings_cancelled"`
	BookingsRefunded  int       `json:"bookings_refunded"`
	Failures          []string  `json:"failures,omitempty"`
}

// BookingIntegrationEvent is published to the broker after a booking settles or is cancelled
type BookingIntegrationEvent struct {
	EventID     string        `json:"event_id"`
	BookingID   uuid.UUID     `json:"booking_id"`
	BookingCode string        `json:"booking_code"`
	UserID      uuid.UUID     `json:"user_id"`
	TripID      uuid.UUID     `json:"trip_id"`
	Status      BookingStatus `json:"status"`
	SeatIDs     []uuid.UUID   `json:"seat_ids"`
	TotalPrice  float64       `json:"total_price"`
	Currency    string        `json:"currency"`
	OccurredAt  time.Time     `json:"occurred_at"`
}
