package services

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// eventBatch collects what a transaction wants to announce. It is flushed only after commit
// so rolled-back transitions never produce events.
type eventBatch struct {
	trip        []models.TripEvent
	integration []models.BookingIntegrationEvent
	transitions []models.BookingStatus
	touched     []uuid.UUID // trips whose stats changed, in first-touch order
	seqs        map[uuid.UUID]int64
}

func newEventBatch() *eventBatch {
	return &eventBatch{}
}

func (b *eventBatch) touch(tripID uuid.UUID) {
	for _, id := range b.touched {
		if id == tripID {
			return
		}
	}
	b.touched = append(b.touched, tripID)
}

func (b *eventBatch) seats(typ models.TripEventType, tripID uuid.UUID, seatIDs []uuid.UUID, seg models.Segment, at time.Time) {
	if len(seatIDs) == 0 {
		return
	}
	s := seg
	b.trip = append(b.trip, models.TripEvent{
		Type:       typ,
		TripID:     tripID,
		SeatIDs:    append([]uuid.UUID(nil), seatIDs...),
		Segment:    &s,
		OccurredAt: at,
	})
	b.touch(tripID)
}

func (b *eventBatch) bookingResolved(booking *models.Booking, at time.Time) {
	b.trip = append(b.trip, models.TripEvent{
		Type:        models.EventBookingStatusUpdate,
		TripID:      booking.TripID,
		BookingCode: booking.Code,
		Status:      booking.Status,
		OccurredAt:  at,
	})
	b.transitions = append(b.transitions, booking.Status)
	b.integration = append(b.integration, models.BookingIntegrationEvent{
		EventID:     uuid.NewString(),
		BookingID:   booking.ID,
		BookingCode: booking.Code,
		UserID:      booking.UserID,
		TripID:      booking.TripID,
		Status:      booking.Status,
		SeatIDs:     booking.Metadata.SeatIDs(),
		TotalPrice:  booking.TotalPrice,
		Currency:    booking.Currency,
		OccurredAt:  at,
	})
	b.touch(booking.TripID)
}

func (b *eventBatch) delay(trip *models.Trip, at time.Time) {
	b.trip = append(b.trip, models.TripEvent{
		Type:   models.EventTripDelayUpdate,
		TripID: trip.ID,
		Delay: &models.TripDelay{
			DepartureDelayMinutes: trip.DepartureDelayMinutes,
			ArrivalDelayMinutes:   trip.ArrivalDelayMinutes,
		},
		OccurredAt: at,
	})
}

func (b *eventBatch) empty() bool {
	return len(b.trip) == 0 && len(b.integration) == 0 && len(b.touched) == 0
}

// sequence stamps every trip event with its trip's next commit sequence. It runs last inside
// the transaction; trips are advanced in id order so concurrent batches lock rows alike.
func (b *eventBatch) sequence(ctx context.Context, repo database.Repository) error {
	tripIDs := append([]uuid.UUID(nil), b.touched...)
	for _, e := range b.trip {
		if !slices.Contains(tripIDs, e.TripID) {
			tripIDs = append(tripIDs, e.TripID)
		}
	}
	if len(tripIDs) == 0 {
		return nil
	}
	slices.SortFunc(tripIDs, func(a, c uuid.UUID) int { return slices.Compare(a[:], c[:]) })

	b.seqs = make(map[uuid.UUID]int64, len(tripIDs))
	for _, id := range tripIDs {
		seq, err := repo.NextTripEventSeq(ctx, id)
		if err != nil {
			return err
		}
		b.seqs[id] = seq
	}
	for i := range b.trip {
		b.trip[i].Seq = b.seqs[b.trip[i].TripID]
	}
	return nil
}

// withEventTx runs fn in one transaction and sequences batch before it commits
func withEventTx(ctx context.Context, store database.Store, batch *eventBatch, fn func(repo database.Repository) error) error {
	return store.WithTx(ctx, func(repo database.Repository) error {
		if err := fn(repo); err != nil {
			return err
		}
		return batch.sequence(ctx, repo)
	})
}

// EventDispatcher publishes committed batches to the trip channels and the integration broker
type EventDispatcher struct {
	notifier TripEventPublisher
	broker   IntegrationPublisher
	ledger   *SeatLedger
	metrics  *Metrics
	logger   *logrus.Logger
}

// NewEventDispatcher creates a dispatcher. broker may be nil.
func NewEventDispatcher(notifier TripEventPublisher, broker IntegrationPublisher, ledger *SeatLedger, metrics *Metrics, logger *logrus.Logger) *EventDispatcher {
	if broker == nil {
		broker = NoopIntegrationPublisher{}
	}
	return &EventDispatcher{
		notifier: notifier,
		broker:   broker,
		ledger:   ledger,
		metrics:  metrics,
		logger:   logger,
	}
}

func (d *EventDispatcher) flush(ctx context.Context, batch *eventBatch) {
	if batch == nil || batch.empty() {
		return
	}
	// the transaction already committed; a cancelled request must not suppress its events
	ctx = context.WithoutCancel(ctx)

	for _, status := range batch.transitions {
		d.metrics.transition(status)
	}

	events := batch.trip
	for _, tripID := range batch.touched {
		stats, err := d.ledger.TripStats(ctx, tripID)
		if err != nil {
			d.logger.WithError(err).WithField("trip_id", tripID).Warn("Failed to compute trip stats")
			continue
		}
		events = append(events, models.TripEvent{
			Type:       models.EventTripStatsUpdate,
			TripID:     tripID,
			Seq:        batch.seqs[tripID],
			Stats:      &stats,
			OccurredAt: time.Now(),
		})
	}
	d.notifier.Publish(ctx, events...)

	for _, evt := range batch.integration {
		if err := d.broker.PublishBookingEvent(ctx, evt); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"booking_code": evt.BookingCode,
				"status":       evt.Status,
			}).Warn("Failed to publish integration event")
		}
	}
}
