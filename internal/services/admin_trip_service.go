package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// AdminTripService handles operator actions on a trip
type AdminTripService struct {
	store    database.Store
	bookings *BookingService
	events   *EventDispatcher
	logger   *logrus.Logger
	now      func() time.Time
}

// NewAdminTripService creates a new AdminTripService
func NewAdminTripService(store database.Store, bookings *BookingService, events *EventDispatcher, logger *logrus.Logger) *AdminTripService {
	return &AdminTripService{
		store:    store,
		bookings: bookings,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// SetDepartureDelay records a departure delay and announces it on the trip channel
func (s *AdminTripService) SetDepartureDelay(ctx context.Context, tripID uuid.UUID, minutes int) (*models.Trip, error) {
	return s.setDelay(ctx, tripID, minutes, "departure", func(repo database.Repository) error {
		return repo.SetDepartureDelay(ctx, tripID, minutes)
	})
}

// SetArrivalDelay records an arrival delay and announces it on the trip channel
func (s *AdminTripService) SetArrivalDelay(ctx context.Context, tripID uuid.UUID, minutes int) (*models.Trip, error) {
	return s.setDelay(ctx, tripID, minutes, "arrival", func(repo database.Repository) error {
		return repo.SetArrivalDelay(ctx, tripID, minutes)
	})
}

func (s *AdminTripService) setDelay(ctx context.Context, tripID uuid.UUID, minutes int, kind string, update func(repo database.Repository) error) (*models.Trip, error) {
	if minutes < 0 {
		return nil, fmt.Errorf("%w: delay cannot be negative", models.ErrInvalidRequest)
	}

	now := s.now()
	batch := newEventBatch()

	var trip *models.Trip
	err := withEventTx(ctx, s.store, batch, func(repo database.Repository) error {
		if err := repo.LockTrip(ctx, tripID); err != nil {
			return err
		}
		if err := update(repo); err != nil {
			return err
		}
		var err error
		if trip, err = repo.GetTrip(ctx, tripID); err != nil {
			return err
		}
		if trip == nil {
			return models.ErrTripNotFound
		}
		batch.delay(trip, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.flush(ctx, batch)

	s.logger.WithFields(logrus.Fields{
		"trip_id": tripID,
		"kind":    kind,
		"minutes": minutes,
	}).Info("Trip delay updated")
	return trip, nil
}

// ForceCancelTrip cancels the trip and then every open booking on it: PENDING ones release their
// seats, PAID ones are refunded. Each booking goes through the regular cancel path in its own
// transaction; failures are collected and do not stop the cascade. Re-running it retries what failed.
func (s *AdminTripService) ForceCancelTrip(ctx context.Context, tripID uuid.UUID, actor models.Actor, reason string) (*models.CancelTripResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a cancellation reason is required", models.ErrInvalidRequest)
	}

	now := s.now()
	err := s.store.WithTx(ctx, func(repo database.Repository) error {
		if err := repo.LockTrip(ctx, tripID); err != nil {
			return err
		}
		trip, err := repo.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if trip == nil {
			return models.ErrTripNotFound
		}
		// already cancelled is fine; the cascade below still runs
		_, err = repo.CancelTrip(ctx, tripID, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	open, err := s.store.ListBookingsByTrip(ctx, tripID, []models.BookingStatus{
		models.BookingStatusPending,
		models.BookingStatusPaid,
	})
	if err != nil {
		return nil, err
	}

	result := &models.CancelTripResult{TripID: tripID}
	cancelActor := models.Actor{UserID: actor.UserID, Role: models.ActorAdmin, Reason: "trip cancelled: " + reason}

	for _, b := range open {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		cancelled, err := s.bookings.Cancel(ctx, b.Code, cancelActor)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", b.Code, err))
			continue
		}
		if cancelled.Status != models.BookingStatusCancelled {
			continue
		}
		// refunded bookings come back with their tickets
		if len(cancelled.Tickets) > 0 {
			result.BookingsRefunded++
		} else {
			result.BookingsCancelled++
		}
	}

	entry := s.logger.WithFields(logrus.Fields{
		"trip_id":   tripID,
		"admin_id":  actor.UserID,
		"cancelled": result.BookingsCancelled,
		"refunded":  result.BookingsRefunded,
		"failures":  len(result.Failures),
	})
	if len(result.Failures) > 0 {
		entry.Error("Trip cancelled with booking failures")
	} else {
		entry.Info("Trip cancelled")
	}
	return result, nil
}
