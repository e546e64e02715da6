package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING STATUSES (matches DB ENUM booking_status)
// ============================================================================

// BookingStatus represents the lifecycle state of a booking.
// PENDING is the only non-terminal state.
type BookingStatus string

const (
	BookingStatusPending       BookingStatus = "PENDING"
	BookingStatusPaid          BookingStatus = "PAID"
	BookingStatusCancelled     BookingStatus = "CANCELLED"
	BookingStatusPaymentFailed BookingStatus = "PAYMENT_FAILED"
)

// IsTerminal reports whether no further lifecycle transition can start from this status
// (PAID can still be cancelled with a refund).
func (s BookingStatus) IsTerminal() bool {
	return s != BookingStatusPending
}

// PaymentMethod selects which payment path settles a booking
type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "gateway"
	PaymentMethodWallet  PaymentMethod = "wallet"
)

// Valid reports whether the method is known
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodGateway || m == PaymentMethodWallet
}

// ============================================================================
// JSONB METADATA (one explicit shape per lifecycle stage)
// ============================================================================

// MetadataStage tags which variant a BookingMetadata holds
type MetadataStage string

const (
	MetadataStageInit               MetadataStage = "init"
	MetadataStagePassengersAttached MetadataStage = "passengers_attached"
)

// InitMetadata is captured when the booking is created
type InitMetadata struct {
	TripID        uuid.UUID   `json:"trip_id"`
	FromStationID uuid.UUID   `json:"from_station_id"`
	ToStationID   uuid.UUID   `json:"to_station_id"`
	SeatIDs       []uuid.UUID `json:"seat_ids"`
	Channel       string      `json:"channel,omitempty"` // web, mobile, tablet
}

// PassengerAssignment binds one passenger to one seat of the booking
type PassengerAssignment struct {
	SeatID           uuid.UUID `json:"seat_id"`
	Name             string    `json:"name"`
	IdentityDocument string    `json:"identity_document"`
	Fare             float64   `json:"fare"`
}

// PassengersAttachedMetadata is the shape after passenger submission
type PassengersAttachedMetadata struct {
	InitMetadata
	Passengers []PassengerAssignment `json:"passengers"`
	AttachedAt time.Time             `json:"attached_at"`
}

// BookingMetadata is a tagged variant: exactly one of Init / PassengersAttached is set, matching Stage
type BookingMetadata struct {
	Stage              MetadataStage               `json:"stage"`
	Init               *InitMetadata               `json:"init,omitempty"`
	PassengersAttached *PassengersAttachedMetadata `json:"passengers_attached,omitempty"`
}

// NewInitMetadata builds the metadata of a freshly created booking
func NewInitMetadata(m InitMetadata) BookingMetadata {
	return BookingMetadata{Stage: MetadataStageInit, Init: &m}
}

// Base returns the fields common to every stage
func (m BookingMetadata) Base() InitMetadata {
	switch m.Stage {
	case MetadataStagePassengersAttached:
		if m.PassengersAttached != nil {
			return m.PassengersAttached.InitMetadata
		}
	case MetadataStageInit:
		if m.Init != nil {
			return *m.Init
		}
	}
	return InitMetadata{}
}

// SeatIDs returns the seat set the booking owns
func (m BookingMetadata) SeatIDs() []uuid.UUID {
	return m.Base().SeatIDs
}

// Passengers returns the attached passengers, nil before submission
func (m BookingMetadata) Passengers() []PassengerAssignment {
	if m.Stage == MetadataStagePassengersAttached && m.PassengersAttached != nil {
		return m.PassengersAttached.Passengers
	}
	return nil
}

// HasPassengers reports whether passenger submission happened
func (m BookingMetadata) HasPassengers() bool {
	return len(m.Passengers()) > 0
}

// WithPassengers moves the metadata to the passengers-attached stage.
// A resubmission while PENDING replaces the previous passenger list.
func (m BookingMetadata) WithPassengers(passengers []PassengerAssignment, at time.Time) (BookingMetadata, error) {
	base := m.Base()
	if len(base.SeatIDs) == 0 {
		return BookingMetadata{}, fmt.Errorf("metadata has no seats: %w", ErrInternalInconsistency)
	}
	return BookingMetadata{
		Stage: MetadataStagePassengersAttached,
		PassengersAttached: &PassengersAttachedMetadata{
			InitMetadata: base,
			Passengers:   passengers,
			AttachedAt:   at,
		},
	}, nil
}

func (m BookingMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *BookingMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = BookingMetadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for BookingMetadata")
	}
	return json.Unmarshal(bytes, m)
}

// ============================================================================
// BOOKING AGGREGATE
// ============================================================================

// Booking owns its seat locks while PENDING and its tickets once PAID
type Booking struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	Code             string          `json:"code" db:"code"`
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	TripID           uuid.UUID       `json:"trip_id" db:"trip_id"`
	FromStationID    uuid.UUID       `json:"from_station_id" db:"from_station_id"`
	ToStationID      uuid.UUID       `json:"to_station_id" db:"to_station_id"`
	FromIndex        int             `json:"from_index" db:"from_index"`
	ToIndex          int             `json:"to_index" db:"to_index"`
	Status           BookingStatus   `json:"status" db:"status"`
	TotalPrice       float64         `json:"total_price" db:"total_price"`
	Currency         string          `json:"currency" db:"currency"`
	PaymentMethod    *PaymentMethod  `json:"payment_method,omitempty" db:"payment_method"`
	PaymentReference *string         `json:"payment_reference,omitempty" db:"payment_reference"`
	Metadata         BookingMetadata `json:"metadata" db:"metadata"`
	StatusReason     *string         `json:"status_reason,omitempty" db:"status_reason"`
	ExpiresAt        time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`

	Tickets []Ticket `json:"tickets,omitempty" db:"-"`
}

// Segment returns the booked station-index interval
func (b *Booking) Segment() Segment {
	return Segment{FromIndex: b.FromIndex, ToIndex: b.ToIndex}
}

// IsExpired reports whether the hold deadline has passed
func (b *Booking) IsExpired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// CanAttachPassengers reports whether passenger submission is allowed right now
func (b *Booking) CanAttachPassengers(now time.Time) bool {
	return b.Status == BookingStatusPending && !b.IsExpired(now)
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// InitBookingRequest is the API request to hold seats and open a booking
type InitBookingRequest struct {
	TripID        uuid.UUID   `json:"trip_id" binding:"required"`
	SeatIDs       []uuid.UUID `json:"seat_ids" binding:"required,min=1"`
	FromStationID uuid.UUID   `json:"from_station_id" binding:"required"`
	ToStationID   uuid.UUID   `json:"to_station_id" binding:"required"`
}

// Validate checks request shape beyond binding tags
func (r *InitBookingRequest) Validate(maxSeats int) error {
	if len(r.SeatIDs) == 0 {
		return errors.New("at least one seat is required")
	}
	if maxSeats > 0 && len(r.SeatIDs) > maxSeats {
		return fmt.Errorf("maximum %d seats per booking", maxSeats)
	}
	seen := make(map[uuid.UUID]struct{}, len(r.SeatIDs))
	for _, id := range r.SeatIDs {
		if id == uuid.Nil {
			return errors.New("seat id cannot be empty")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("seat %s requested twice", id)
		}
		seen[id] = struct{}{}
	}
	if r.FromStationID == r.ToStationID {
		return errors.New("from and to station must differ")
	}
	return nil
}

// InitBookingResponse is returned by a successful booking init
type InitBookingResponse struct {
	BookingID   uuid.UUID   `json:"booking_id"`
	BookingCode string      `json:"booking_code"`
	SeatIDs     []uuid.UUID `json:"seat_ids"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// PassengerInput is one passenger of an attachPassengers call
type PassengerInput struct {
	SeatID           uuid.UUID `json:"seat_id" binding:"required"`
	Name             string    `json:"name" binding:"required"`
	IdentityDocument string    `json:"identity_document" binding:"required"`
}

// AttachPassengersRequest is the API request for passenger submission
type AttachPassengersRequest struct {
	Passengers    []PassengerInput `json:"passengers" binding:"required,min=1,dive"`
	PaymentMethod PaymentMethod    `json:"payment_method" binding:"required"`
}

// AttachPassengersResponse tells the client how to pay
type AttachPassengersResponse struct {
	BookingCode string    `json:"booking_code"`
	TotalPrice  float64   `json:"total_price"`
	Currency    string    `json:"currency"`
	PaymentURL  *string   `json:"payment_url,omitempty"`
	WalletReady bool      `json:"wallet_ready"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ActorRole identifies who requested a cancellation
type ActorRole string

const (
	ActorUser   ActorRole = "user"
	ActorAdmin  ActorRole = "admin"
	ActorSystem ActorRole = "system"
)

// Actor is the initiator of a cancel
type Actor struct {
	UserID uuid.UUID
	Role   ActorRole
	Reason string
}

// CanAccess reports whether the actor may read or act on the booking.
// Users only reach their own bookings.
func (a Actor) CanAccess(b *Booking) bool {
	if b == nil {
		return false
	}
	if a.Role == ActorUser {
		return a.UserID == b.UserID
	}
	return true
}

// ReasonExpired is the status reason of a booking cancelled by its deadline
const ReasonExpired = "expired"

// PaymentOutcome is the result handed to settlement
type PaymentOutcome struct {
	Success   bool
	Method    PaymentMethod
	Reference string
	Reason    string
	// FailureStatus chooses between PAYMENT_FAILED (default) and CANCELLED on failure
	FailureStatus BookingStatus
	PaidAt        time.Time
}
