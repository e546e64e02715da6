package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// BookingExpirer resolves the booking that owns a lapsed lock.
// It returns ErrBookingNotFound when no booking owns the holder id.
type BookingExpirer interface {
	ExpireBooking(ctx context.Context, bookingID uuid.UUID, now time.Time) (bool, error)
}

// LockManager owns the time-boxed seat holds.
// Every mutation runs inside the per-trip single-writer section (database.Repository.LockTrip).
type LockManager struct {
	store      database.Store
	events     *EventDispatcher
	metrics    *Metrics
	logger     *logrus.Logger
	sweepBatch int
	now        func() time.Time
}

// NewLockManager creates a new lock manager
func NewLockManager(store database.Store, events *EventDispatcher, metrics *Metrics, sweepBatch int, logger *logrus.Logger) *LockManager {
	if sweepBatch <= 0 {
		sweepBatch = 100
	}
	return &LockManager{
		store:      store,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		sweepBatch: sweepBatch,
		now:        time.Now,
	}
}

// Acquire holds every requested seat for the segment or none of them.
// On conflict the returned *models.SeatConflictError lists exactly the unavailable seats.
func (m *LockManager) Acquire(ctx context.Context, req models.AcquireRequest) ([]models.SeatLock, error) {
	start := time.Now()
	defer m.metrics.observeAcquire(start)

	now := m.now()
	batch := newEventBatch()

	var locks []models.SeatLock
	err := withEventTx(ctx, m.store, batch, func(repo database.Repository) error {
		if err := repo.LockTrip(ctx, req.TripID); err != nil {
			return err
		}
		var err error
		locks, err = m.acquireLocked(ctx, repo, req, now)
		if err != nil {
			return err
		}
		batch.seats(models.EventSeatsLocked, req.TripID, req.SeatIDs, req.Segment, now)
		return nil
	})
	if err != nil {
		m.logAcquireFailure(req, err)
		return nil, err
	}

	m.events.flush(ctx, batch)
	return locks, nil
}

// acquireLocked does the check-and-insert. The caller holds the trip lock.
func (m *LockManager) acquireLocked(ctx context.Context, repo database.Repository, req models.AcquireRequest, now time.Time) ([]models.SeatLock, error) {
	if len(req.SeatIDs) == 0 {
		return nil, fmt.Errorf("%w: no seats requested", models.ErrInvalidRequest)
	}
	if !req.Segment.Valid() {
		return nil, models.ErrInvalidSegment
	}
	if req.HoldDuration <= 0 {
		return nil, fmt.Errorf("%w: hold duration must be positive", models.ErrInvalidRequest)
	}

	// lapsed rows would otherwise trip the overlap constraint
	if _, err := repo.PurgeExpiredLocks(ctx, req.TripID, req.SeatIDs, now); err != nil {
		return nil, err
	}

	seats, err := repo.ListTripSeats(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	usable := make(map[uuid.UUID]bool, len(seats))
	for _, s := range seats {
		usable[s.ID] = !s.Disabled
	}

	requested := make(map[uuid.UUID]bool, len(req.SeatIDs))
	for _, id := range req.SeatIDs {
		if !usable[id] {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownSeat, id)
		}
		requested[id] = true
	}

	taken := make(map[uuid.UUID]bool)

	existing, err := repo.ListTripLocks(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	for _, l := range existing {
		if requested[l.SeatID] && l.ActiveAt(now) && l.Segment().Overlaps(req.Segment) {
			taken[l.SeatID] = true
		}
	}

	tickets, err := repo.ListActiveTickets(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	for _, t := range tickets {
		if requested[t.SeatID] && t.Segment().Overlaps(req.Segment) {
			taken[t.SeatID] = true
		}
	}

	if len(taken) > 0 {
		conflict := &models.SeatConflictError{TripID: req.TripID}
		for _, id := range req.SeatIDs {
			if taken[id] {
				conflict.SeatIDs = append(conflict.SeatIDs, id)
			}
		}
		return nil, conflict
	}

	expiresAt := now.Add(req.HoldDuration)
	locks := make([]models.SeatLock, 0, len(req.SeatIDs))
	for _, id := range req.SeatIDs {
		locks = append(locks, models.SeatLock{
			TripID:     req.TripID,
			SeatID:     id,
			HolderID:   req.HolderID,
			FromIndex:  req.Segment.FromIndex,
			ToIndex:    req.Segment.ToIndex,
			AcquiredAt: now,
			ExpiresAt:  expiresAt,
		})
	}

	if err := repo.InsertSeatLocks(ctx, locks); err != nil {
		return nil, err
	}
	return locks, nil
}

func (m *LockManager) logAcquireFailure(req models.AcquireRequest, err error) {
	fields := logrus.Fields{
		"trip_id":   req.TripID,
		"holder_id": req.HolderID,
		"seat_ids":  req.SeatIDs,
	}

	var conflict *models.SeatConflictError
	if errors.As(err, &conflict) {
		m.metrics.seatConflict()
		fields["conflicting_seats"] = conflict.SeatIDs
		m.logger.WithFields(fields).Warn("Seat hold rejected")
		return
	}
	m.logger.WithError(err).WithFields(fields).Warn("Seat hold failed")
}

// Release clears the locks on the given seats. Releasing seats that hold nothing is a no-op.
func (m *LockManager) Release(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID) (int, error) {
	now := m.now()
	batch := newEventBatch()

	var released []models.SeatLock
	err := withEventTx(ctx, m.store, batch, func(repo database.Repository) error {
		if err := repo.LockTrip(ctx, tripID); err != nil {
			return err
		}
		var err error
		released, err = repo.DeleteSeatLocks(ctx, tripID, seatIDs)
		if err != nil {
			return err
		}
		for _, l := range released {
			batch.seats(models.EventSeatsReleased, tripID, []uuid.UUID{l.SeatID}, l.Segment(), now)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.events.flush(ctx, batch)
	return len(released), nil
}

// releaseHolderLocked drops every lock a booking owns and returns the freed seats.
// The caller holds the trip lock.
func (m *LockManager) releaseHolderLocked(ctx context.Context, repo database.Repository, holderID uuid.UUID) ([]uuid.UUID, error) {
	locks, err := repo.ListLocksByHolder(ctx, holderID)
	if err != nil {
		return nil, err
	}
	if len(locks) == 0 {
		return nil, nil
	}
	if _, err := repo.DeleteLocksByHolder(ctx, holderID); err != nil {
		return nil, err
	}

	seatIDs := make([]uuid.UUID, len(locks))
	for i, l := range locks {
		seatIDs[i] = l.SeatID
	}
	return seatIDs, nil
}

// ExpireSweep scans locks whose expiry is at or before now. Locks owned by a booking are
// resolved through the booking's own expiry path; locks with no owning booking are released.
func (m *LockManager) ExpireSweep(ctx context.Context, now time.Time, expirer BookingExpirer) (models.LockSweepResult, error) {
	var result models.LockSweepResult

	expired, err := m.store.ListExpiredLocks(ctx, now, m.sweepBatch)
	if err != nil {
		return result, fmt.Errorf("failed to scan expired locks: %w", err)
	}
	result.Scanned = len(expired)

	byHolder := make(map[uuid.UUID][]models.SeatLock)
	var holders []uuid.UUID
	for _, l := range expired {
		if _, seen := byHolder[l.HolderID]; !seen {
			holders = append(holders, l.HolderID)
		}
		byHolder[l.HolderID] = append(byHolder[l.HolderID], l)
	}

	for _, holder := range holders {
		resolved, err := expirer.ExpireBooking(ctx, holder, now)
		switch {
		case errors.Is(err, models.ErrBookingNotFound):
			n, err := m.releaseOrphans(ctx, holder, byHolder[holder], now)
			if err != nil {
				m.logger.WithError(err).WithField("holder_id", holder).Error("Failed to release orphan locks")
				continue
			}
			result.OrphansReleased += n
		case err != nil:
			m.logger.WithError(err).WithField("booking_id", holder).Error("Failed to expire booking")
		case resolved:
			result.BookingsExpired++
		default:
			result.AlreadyResolved++
		}
	}

	return result, nil
}

// releaseOrphans frees locks whose holder has no booking. Inconsistency always resolves toward a free seat.
func (m *LockManager) releaseOrphans(ctx context.Context, holderID uuid.UUID, locks []models.SeatLock, now time.Time) (int, error) {
	m.logger.WithFields(logrus.Fields{
		"holder_id": holderID,
		"trip_id":   locks[0].TripID,
		"locks":     len(locks),
	}).WithError(models.ErrInternalInconsistency).Error("Seat lock has no owning booking, releasing")

	batch := newEventBatch()
	var freed []uuid.UUID
	err := withEventTx(ctx, m.store, batch, func(repo database.Repository) error {
		if err := repo.LockTrip(ctx, locks[0].TripID); err != nil {
			return err
		}
		// the booking insert may have landed since the scan
		b, err := repo.GetBookingByID(ctx, holderID)
		if err != nil {
			return err
		}
		if b != nil {
			return nil
		}
		freed, err = m.releaseHolderLocked(ctx, repo, holderID)
		if err != nil {
			return err
		}
		batch.seats(models.EventSeatsReleased, locks[0].TripID, freed, locks[0].Segment(), now)
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.events.flush(ctx, batch)
	return len(freed), nil
}
