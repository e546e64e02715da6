package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
)

// SeatLedger derives per-segment seat occupancy from tickets and locks.
// Reads come from one repeatable-read snapshot, so a settling booking is seen
// either entirely LOCKED or entirely BOOKED.
type SeatLedger struct {
	store database.Store
	now   func() time.Time
}

// NewSeatLedger creates a new seat ledger
func NewSeatLedger(store database.Store) *SeatLedger {
	return &SeatLedger{store: store, now: time.Now}
}

type tripSnapshot struct {
	trip    *models.Trip
	seats   []models.Seat
	tickets []models.Ticket
	locks   []models.SeatLock
}

func (l *SeatLedger) snapshot(ctx context.Context, tripID uuid.UUID) (*tripSnapshot, error) {
	snap := &tripSnapshot{}
	err := l.store.ReadSnapshot(ctx, func(repo database.Repository) error {
		trip, err := repo.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if trip == nil {
			return models.ErrTripNotFound
		}
		snap.trip = trip

		if snap.seats, err = repo.ListTripSeats(ctx, tripID); err != nil {
			return err
		}
		if snap.tickets, err = repo.ListActiveTickets(ctx, tripID); err != nil {
			return err
		}
		snap.locks, err = repo.ListTripLocks(ctx, tripID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Occupancy maps every enabled seat of the trip to FREE, LOCKED or BOOKED for the segment
func (l *SeatLedger) Occupancy(ctx context.Context, tripID uuid.UUID, seg models.Segment) (map[uuid.UUID]models.SeatStatus, error) {
	if !seg.Valid() {
		return nil, models.ErrInvalidSegment
	}
	snap, err := l.snapshot(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return models.ComputeOccupancy(snap.seats, snap.tickets, snap.locks, seg, l.now()), nil
}

// SeatMap resolves a station pair and returns seat attributes with their status.
// Zero station ids select the whole route.
func (l *SeatLedger) SeatMap(ctx context.Context, tripID, fromStationID, toStationID uuid.UUID) (*models.SeatMap, error) {
	snap, err := l.snapshot(ctx, tripID)
	if err != nil {
		return nil, err
	}

	seg := snap.trip.FullSegment()
	if fromStationID != uuid.Nil || toStationID != uuid.Nil {
		if seg, err = snap.trip.ResolveSegment(fromStationID, toStationID); err != nil {
			return nil, err
		}
	}
	if !seg.Valid() {
		return nil, fmt.Errorf("%w: trip %s has no route", models.ErrInvalidSegment, tripID)
	}

	occupancy := models.ComputeOccupancy(snap.seats, snap.tickets, snap.locks, seg, l.now())
	out := &models.SeatMap{
		TripID:  tripID,
		Segment: seg,
		Seats:   make([]models.SeatAvailability, 0, len(occupancy)),
		Stats:   models.Stats(occupancy),
	}
	for _, s := range snap.seats {
		status, ok := occupancy[s.ID]
		if !ok {
			continue
		}
		out.Seats = append(out.Seats, models.SeatAvailability{Seat: s, Status: status})
	}
	return out, nil
}

// TripStats counts seats over the whole route: a seat sold on any leg counts as booked
func (l *SeatLedger) TripStats(ctx context.Context, tripID uuid.UUID) (models.TripStats, error) {
	snap, err := l.snapshot(ctx, tripID)
	if err != nil {
		return models.TripStats{}, err
	}
	seg := snap.trip.FullSegment()
	if !seg.Valid() {
		return models.TripStats{}, nil
	}
	return models.Stats(models.ComputeOccupancy(snap.seats, snap.tickets, snap.locks, seg, l.now())), nil
}
