package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/railtix/reservation-core/pkg/validator"
	"github.com/sirupsen/logrus"
)

// Booking codes are a prefix of a base57 short uuid. shortuuid.DefaultAlphabet has no 0/O, 1/I/l look-alikes.
const bookingCodeLength = 10

// BookingConfig holds configuration for the booking state machine
type BookingConfig struct {
	HoldDuration       time.Duration // seat hold and payment window (default 10 min)
	MaxPendingPerUser  int           // open PENDING bookings allowed per user (default 3)
	MaxSeatsPerBooking int
	Currency           string
}

// DefaultBookingConfig returns default configuration
func DefaultBookingConfig() BookingConfig {
	return BookingConfig{
		HoldDuration:       10 * time.Minute,
		MaxPendingPerUser:  3,
		MaxSeatsPerBooking: 10,
		Currency:           "VND",
	}
}

// settleResult tells the payment side what a settlement actually did
type settleResult int

const (
	settleApplied         settleResult = iota
	settleAlreadyResolved              // booking had already left PENDING
	settleExpired                      // success arrived after the deadline; the booking expired instead
)

// BookingService is the booking state machine: PENDING -> {PAID, CANCELLED, PAYMENT_FAILED}.
// Seat ownership is decided only by the LockManager.
type BookingService struct {
	store      database.Store
	locks      *LockManager
	events     *EventDispatcher
	gateway    payment.Gateway
	passengers *validator.PassengerValidator
	metrics    *Metrics
	config     BookingConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewBookingService creates a new booking service. gateway may be nil, which disables the gateway payment method.
func NewBookingService(
	store database.Store,
	locks *LockManager,
	events *EventDispatcher,
	gateway payment.Gateway,
	metrics *Metrics,
	config BookingConfig,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		store:      store,
		locks:      locks,
		events:     events,
		gateway:    gateway,
		passengers: validator.NewPassengerValidator(),
		metrics:    metrics,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// ============================================================================
// INIT
// ============================================================================

// Init holds the seats and opens a PENDING booking
func (s *BookingService) Init(ctx context.Context, userID uuid.UUID, req *models.InitBookingRequest, channel string) (*models.InitBookingResponse, error) {
	if err := req.Validate(s.config.MaxSeatsPerBooking); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	start := time.Now()
	now := s.now()
	batch := newEventBatch()

	var booking *models.Booking
	err := withEventTx(ctx, s.store, batch, func(repo database.Repository) error {
		// user before trip: the pending cap must not be raced across trips
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		trip, err := repo.GetTrip(ctx, req.TripID)
		if err != nil {
			return err
		}
		if trip == nil {
			return models.ErrTripNotFound
		}
		if !trip.IsBookable(now) {
			return models.ErrTripNotBookable
		}
		seg, err := trip.ResolveSegment(req.FromStationID, req.ToStationID)
		if err != nil {
			return err
		}

		pending, err := repo.CountActivePendingBookings(ctx, userID, now)
		if err != nil {
			return err
		}
		if pending >= s.config.MaxPendingPerUser {
			return models.ErrTooManyPendingBookings
		}

		if err := repo.LockTrip(ctx, trip.ID); err != nil {
			return err
		}

		bookingID := uuid.New()
		locks, err := s.locks.acquireLocked(ctx, repo, models.AcquireRequest{
			TripID:       trip.ID,
			SeatIDs:      req.SeatIDs,
			Segment:      seg,
			HolderID:     bookingID,
			HoldDuration: s.config.HoldDuration,
		}, now)
		if err != nil {
			return err
		}

		booking = &models.Booking{
			ID:            bookingID,
			Code:          newBookingCode(),
			UserID:        userID,
			TripID:        trip.ID,
			FromStationID: req.FromStationID,
			ToStationID:   req.ToStationID,
			FromIndex:     seg.FromIndex,
			ToIndex:       seg.ToIndex,
			Status:        models.BookingStatusPending,
			Currency:      s.config.Currency,
			Metadata: models.NewInitMetadata(models.InitMetadata{
				TripID:        trip.ID,
				FromStationID: req.FromStationID,
				ToStationID:   req.ToStationID,
				SeatIDs:       req.SeatIDs,
				Channel:       channel,
			}),
			// lock and booking share one deadline
			ExpiresAt: locks[0].ExpiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.InsertBooking(ctx, booking); err != nil {
			return err
		}

		batch.seats(models.EventSeatsLocked, trip.ID, req.SeatIDs, seg, now)
		return nil
	})
	s.metrics.observeAcquire(start)
	if err != nil {
		s.logInitFailure(userID, req, err)
		return nil, err
	}

	s.metrics.bookingInitiated()
	s.events.flush(ctx, batch)

	s.logger.WithFields(logrus.Fields{
		"booking_code": booking.Code,
		"trip_id":      booking.TripID,
		"user_id":      userID,
		"seat_ids":     req.SeatIDs,
		"expires_at":   booking.ExpiresAt,
	}).Info("Booking initiated")

	return &models.InitBookingResponse{
		BookingID:   booking.ID,
		BookingCode: booking.Code,
		SeatIDs:     req.SeatIDs,
		ExpiresAt:   booking.ExpiresAt,
	}, nil
}

func (s *BookingService) logInitFailure(userID uuid.UUID, req *models.InitBookingRequest, err error) {
	fields := logrus.Fields{
		"trip_id":  req.TripID,
		"user_id":  userID,
		"seat_ids": req.SeatIDs,
	}
	var conflict *models.SeatConflictError
	switch {
	case errors.As(err, &conflict):
		s.metrics.seatConflict()
		fields["conflicting_seats"] = conflict.SeatIDs
		s.logger.WithFields(fields).Warn("Booking init lost seat race")
	case errors.Is(err, models.ErrTooManyPendingBookings),
		errors.Is(err, models.ErrTripNotBookable),
		errors.Is(err, models.ErrTripNotFound),
		errors.Is(err, models.ErrInvalidSegment),
		errors.Is(err, models.ErrUnknownSeat):
		s.logger.WithFields(fields).WithError(err).Info("Booking init rejected")
	default:
		s.logger.WithFields(fields).WithError(err).Error("Booking init failed")
	}
}

// the encoding emits the least significant digits first, so the prefix carries the uuid's random tail
func newBookingCode() string {
	return shortuuid.New()[:bookingCodeLength]
}

// ============================================================================
// ATTACH PASSENGERS
// ============================================================================

// AttachPassengers records one passenger per held seat, prices the booking and opens payment.
// Expiry is checked first inside the transaction: a submission at or after the deadline is rejected.
func (s *BookingService) AttachPassengers(ctx context.Context, userID uuid.UUID, code string, req *models.AttachPassengersRequest) (*models.AttachPassengersResponse, error) {
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unsupported payment method %q", models.ErrInvalidRequest, req.PaymentMethod)
	}
	if req.PaymentMethod == models.PaymentMethodGateway && s.gateway == nil {
		return nil, models.ErrPaymentGatewayUnavailable
	}

	now := s.now()

	var booking *models.Booking
	err := s.store.WithTx(ctx, func(repo database.Repository) error {
		b, err := s.lockBooking(ctx, repo, code, models.Actor{UserID: userID, Role: models.ActorUser})
		if err != nil {
			return err
		}
		if b.Status != models.BookingStatusPending {
			return models.ErrBookingNotPending
		}
		if b.IsExpired(now) {
			return models.ErrBookingExpired
		}

		if err := s.ensureStillHeld(ctx, repo, b, now); err != nil {
			return err
		}

		trip, err := repo.GetTrip(ctx, b.TripID)
		if err != nil {
			return err
		}
		if trip == nil {
			return fmt.Errorf("%w: booking %s references missing trip", models.ErrInternalInconsistency, b.Code)
		}
		seats, err := repo.ListTripSeats(ctx, b.TripID)
		if err != nil {
			return err
		}

		assignments, total, err := s.priceAssignments(b, trip, seats, req.Passengers)
		if err != nil {
			return err
		}

		meta, err := b.Metadata.WithPassengers(assignments, now)
		if err != nil {
			return err
		}
		if err := repo.UpdateBookingPassengers(ctx, b.ID, meta, total, req.PaymentMethod); err != nil {
			return err
		}

		method := req.PaymentMethod
		b.Metadata = meta
		b.TotalPrice = total
		b.PaymentMethod = &method
		b.PaymentReference = nil
		booking = b
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_code": code,
			"user_id":      userID,
		}).Warn("Passenger submission rejected")
		return nil, err
	}

	resp := &models.AttachPassengersResponse{
		BookingCode: booking.Code,
		TotalPrice:  booking.TotalPrice,
		Currency:    booking.Currency,
		ExpiresAt:   booking.ExpiresAt,
	}

	if req.PaymentMethod == models.PaymentMethodWallet {
		resp.WalletReady = true
		return resp, nil
	}

	url, err := s.openCheckout(ctx, booking)
	if err != nil {
		return nil, err
	}
	resp.PaymentURL = &url
	return resp, nil
}

// ensureStillHeld re-validates that the booking's own unexpired locks cover every seat
func (s *BookingService) ensureStillHeld(ctx context.Context, repo database.Repository, b *models.Booking, now time.Time) error {
	held, err := repo.ListLocksByHolder(ctx, b.ID)
	if err != nil {
		return err
	}

	covered := make(map[uuid.UUID]bool, len(held))
	for _, l := range held {
		if l.ActiveAt(now) && l.Segment() == b.Segment() {
			covered[l.SeatID] = true
		}
	}

	var lost []uuid.UUID
	for _, id := range b.Metadata.SeatIDs() {
		if !covered[id] {
			lost = append(lost, id)
		}
	}
	if len(lost) > 0 {
		return &models.SeatNoLongerHeldError{SeatIDs: lost}
	}
	return nil
}

// priceAssignments validates passengers against the seat set and applies
// fare = base price x fare-class multiplier x segment share, rounded to whole units.
func (s *BookingService) priceAssignments(b *models.Booking, trip *models.Trip, seats []models.Seat, passengers []models.PassengerInput) ([]models.PassengerAssignment, float64, error) {
	seatIDs := b.Metadata.SeatIDs()
	if len(passengers) != len(seatIDs) {
		return nil, 0, fmt.Errorf("%w: expected %d passengers, got %d", models.ErrInvalidRequest, len(seatIDs), len(passengers))
	}

	inBooking := make(map[uuid.UUID]bool, len(seatIDs))
	for _, id := range seatIDs {
		inBooking[id] = true
	}
	seatByID := make(map[uuid.UUID]models.Seat, len(seats))
	for _, seat := range seats {
		seatByID[seat.ID] = seat
	}

	ratio := trip.SegmentRatio(b.Segment())
	assigned := make(map[uuid.UUID]bool, len(passengers))
	out := make([]models.PassengerAssignment, 0, len(passengers))
	var total float64

	for _, p := range passengers {
		if !inBooking[p.SeatID] {
			return nil, 0, fmt.Errorf("%w: seat %s is not part of this booking", models.ErrInvalidRequest, p.SeatID)
		}
		if assigned[p.SeatID] {
			return nil, 0, fmt.Errorf("%w: seat %s assigned twice", models.ErrInvalidRequest, p.SeatID)
		}
		assigned[p.SeatID] = true

		name, err := s.passengers.ValidateName(p.Name)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
		doc, err := s.passengers.ValidateDocument(p.IdentityDocument)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}

		seat, ok := seatByID[p.SeatID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: held seat %s missing from catalog", models.ErrInternalInconsistency, p.SeatID)
		}
		fare := math.Round(seat.BasePrice * seat.FareClass.Multiplier() * ratio)
		total += fare

		out = append(out, models.PassengerAssignment{
			SeatID:           p.SeatID,
			Name:             name,
			IdentityDocument: doc,
			Fare:             fare,
		})
	}

	return out, total, nil
}

// openCheckout asks the gateway for a redirect URL. On failure the booking stays PENDING
// and the sweeper bounds it.
func (s *BookingService) openCheckout(ctx context.Context, b *models.Booking) (string, error) {
	session, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		BookingCode: b.Code,
		Description: fmt.Sprintf("Train tickets %s (%d seats)", b.Code, len(b.Metadata.SeatIDs())),
		Amount:      b.TotalPrice,
		Currency:    b.Currency,
	})
	if err != nil {
		s.logger.WithError(err).WithField("booking_code", b.Code).Error("Failed to create checkout session")
		audit := models.NewPaymentAudit(models.PaymentEventCheckoutCreated, models.PaymentSourceGatewayAPI).
			SetBooking(b).
			SetError(err.Error())
		if logErr := s.store.LogPaymentAudit(ctx, audit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to log payment audit")
		}
		return "", fmt.Errorf("%w: %v", models.ErrPaymentGatewayUnavailable, err)
	}

	if err := s.store.SetPaymentReference(ctx, b.ID, session.ID); err != nil {
		return "", err
	}

	audit := models.NewPaymentAudit(models.PaymentEventCheckoutCreated, models.PaymentSourceGatewayAPI).
		SetBooking(b).
		SetReference(session.ID)
	audit.SetAmounts(b.TotalPrice, b.TotalPrice)
	if err := s.store.LogPaymentAudit(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to log payment audit")
	}

	s.logger.WithFields(logrus.Fields{
		"booking_code": b.Code,
		"reference":    session.ID,
		"amount":       b.TotalPrice,
	}).Info("Checkout session created")
	return session.URL, nil
}

// ============================================================================
// SETTLE
// ============================================================================

// Settle applies a payment outcome. Settling a booking that already left PENDING is a no-op.
// A success arriving at or after the deadline expires the booking and returns ErrBookingExpired.
func (s *BookingService) Settle(ctx context.Context, code string, outcome models.PaymentOutcome) (*models.Booking, error) {
	now := s.now()
	batch := newEventBatch()

	var (
		booking *models.Booking
		result  settleResult
	)
	err := withEventTx(ctx, s.store, batch, func(repo database.Repository) error {
		b, err := s.lockBooking(ctx, repo, code, models.Actor{Role: models.ActorSystem})
		if err != nil {
			return err
		}
		result, err = s.settleLocked(ctx, repo, b, outcome, now, batch)
		booking = b
		return err
	})
	if err != nil {
		return nil, err
	}

	s.events.flush(ctx, batch)
	if result == settleExpired {
		return booking, models.ErrBookingExpired
	}
	return booking, nil
}

// settleLocked runs with the trip lock and the booking row lock held.
// Lock promotion happens in this one transaction: readers see the seats LOCKED or BOOKED, never FREE.
func (s *BookingService) settleLocked(ctx context.Context, repo database.Repository, b *models.Booking, outcome models.PaymentOutcome, now time.Time, batch *eventBatch) (settleResult, error) {
	if b.Status != models.BookingStatusPending {
		s.logger.WithFields(logrus.Fields{
			"booking_code": b.Code,
			"status":       b.Status,
			"success":      outcome.Success,
		}).Info("Settlement ignored, booking already resolved")
		return settleAlreadyResolved, nil
	}

	if !outcome.Success {
		to := outcome.FailureStatus
		if to == "" {
			to = models.BookingStatusPaymentFailed
		}
		if to != models.BookingStatusPaymentFailed && to != models.BookingStatusCancelled {
			return 0, fmt.Errorf("%w: %s is not a failure status", models.ErrInvalidRequest, to)
		}
		if err := s.resolvePendingLocked(ctx, repo, b, to, outcome.Reason, now, batch); err != nil {
			return 0, err
		}
		return settleApplied, nil
	}

	if b.IsExpired(now) {
		if err := s.resolvePendingLocked(ctx, repo, b, models.BookingStatusCancelled, models.ReasonExpired, now, batch); err != nil {
			return 0, err
		}
		return settleExpired, nil
	}

	if !b.Metadata.HasPassengers() {
		return 0, models.ErrPassengersNotAttached
	}
	if err := s.ensureStillHeld(ctx, repo, b, now); err != nil {
		return 0, err
	}

	if _, err := s.locks.releaseHolderLocked(ctx, repo, b.ID); err != nil {
		return 0, err
	}

	passengers := b.Metadata.Passengers()
	tickets := make([]models.Ticket, 0, len(passengers))
	seatIDs := make([]uuid.UUID, 0, len(passengers))
	for _, p := range passengers {
		tickets = append(tickets, models.Ticket{
			ID:                uuid.New(),
			BookingID:         b.ID,
			TripID:            b.TripID,
			SeatID:            p.SeatID,
			PassengerName:     p.Name,
			PassengerIdentity: p.IdentityDocument,
			Fare:              p.Fare,
			FromIndex:         b.FromIndex,
			ToIndex:           b.ToIndex,
			Status:            models.TicketStatusActive,
			CreatedAt:         now,
		})
		seatIDs = append(seatIDs, p.SeatID)
	}
	if err := repo.InsertTickets(ctx, tickets); err != nil {
		return 0, err
	}

	if outcome.Reference != "" {
		if err := repo.SetPaymentReference(ctx, b.ID, outcome.Reference); err != nil {
			return 0, err
		}
		ref := outcome.Reference
		b.PaymentReference = &ref
	}

	ok, err := repo.TransitionBooking(ctx, b.ID, models.BookingStatusPending, models.BookingStatusPaid, "", now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: booking %s left PENDING under row lock", models.ErrInternalInconsistency, b.Code)
	}

	b.Status = models.BookingStatusPaid
	b.ResolvedAt = &now
	b.UpdatedAt = now
	b.Tickets = tickets

	batch.seats(models.EventSeatsBooked, b.TripID, seatIDs, b.Segment(), now)
	batch.bookingResolved(b, now)

	s.logger.WithFields(logrus.Fields{
		"booking_code": b.Code,
		"trip_id":      b.TripID,
		"tickets":      len(tickets),
		"method":       outcome.Method,
	}).Info("Booking paid")
	return settleApplied, nil
}

// resolvePendingLocked moves a PENDING booking to a non-paid terminal status and frees its seats
func (s *BookingService) resolvePendingLocked(ctx context.Context, repo database.Repository, b *models.Booking, to models.BookingStatus, reason string, now time.Time, batch *eventBatch) error {
	freed, err := s.locks.releaseHolderLocked(ctx, repo, b.ID)
	if err != nil {
		return err
	}

	ok, err := repo.TransitionBooking(ctx, b.ID, models.BookingStatusPending, to, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: booking %s left PENDING under row lock", models.ErrInternalInconsistency, b.Code)
	}

	b.Status = to
	if reason != "" {
		b.StatusReason = &reason
	}
	b.ResolvedAt = &now
	b.UpdatedAt = now

	batch.seats(models.EventSeatsReleased, b.TripID, freed, b.Segment(), now)
	batch.bookingResolved(b, now)

	s.logger.WithFields(logrus.Fields{
		"booking_code": b.Code,
		"trip_id":      b.TripID,
		"status":       to,
		"reason":       reason,
		"seats_freed":  len(freed),
	}).Info("Booking resolved")
	return nil
}

// ============================================================================
// CANCEL / EXPIRE
// ============================================================================

// Cancel cancels a PENDING or PAID booking. A PAID booking is refunded to the owner's wallet
// and its tickets are kept as REFUNDED. Cancelling an already terminal booking is a no-op.
func (s *BookingService) Cancel(ctx context.Context, code string, actor models.Actor) (*models.Booking, error) {
	now := s.now()
	batch := newEventBatch()

	var booking *models.Booking
	err := withEventTx(ctx, s.store, batch, func(repo database.Repository) error {
		b, err := s.lockBooking(ctx, repo, code, actor)
		if err != nil {
			return err
		}
		booking = b
		return s.cancelLocked(ctx, repo, b, actor, now, batch)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_code": code,
			"actor":        actor.Role,
		}).Warn("Booking cancellation failed")
		return nil, err
	}

	s.events.flush(ctx, batch)
	return booking, nil
}

func (s *BookingService) cancelLocked(ctx context.Context, repo database.Repository, b *models.Booking, actor models.Actor, now time.Time, batch *eventBatch) error {
	reason := actor.Reason
	if reason == "" {
		reason = fmt.Sprintf("cancelled by %s", actor.Role)
	}

	switch b.Status {
	case models.BookingStatusPending:
		return s.resolvePendingLocked(ctx, repo, b, models.BookingStatusCancelled, reason, now, batch)
	case models.BookingStatusPaid:
		return s.refundPaidLocked(ctx, repo, b, reason, now, batch)
	default:
		return nil
	}
}

// refundPaidLocked cancels a PAID booking. Lock order: trip, booking, then wallet.
func (s *BookingService) refundPaidLocked(ctx context.Context, repo database.Repository, b *models.Booking, reason string, now time.Time, batch *eventBatch) error {
	tickets, err := repo.ListTicketsByBooking(ctx, b.ID)
	if err != nil {
		return err
	}
	if _, err := repo.MarkTicketsRefunded(ctx, b.ID, now); err != nil {
		return err
	}

	ok, err := repo.TransitionBooking(ctx, b.ID, models.BookingStatusPaid, models.BookingStatusCancelled, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: booking %s left PAID under row lock", models.ErrInternalInconsistency, b.Code)
	}

	if b.TotalPrice > 0 {
		if _, err := creditWalletLocked(ctx, repo, b.UserID, b.ID, b.TotalPrice, "refund for "+b.Code); err != nil {
			return err
		}
		audit := models.NewPaymentAudit(models.PaymentEventRefundCompleted, models.PaymentSourceWallet).
			SetBooking(b).
			SetPayload(map[string]interface{}{"reason": reason})
		audit.SetAmounts(b.TotalPrice, b.TotalPrice)
		if err := repo.LogPaymentAudit(ctx, audit); err != nil {
			return err
		}
	}

	var freed []uuid.UUID
	for i := range tickets {
		if tickets[i].Status == models.TicketStatusActive {
			freed = append(freed, tickets[i].SeatID)
			tickets[i].Status = models.TicketStatusRefunded
			tickets[i].RefundedAt = &now
		}
	}

	b.Status = models.BookingStatusCancelled
	b.StatusReason = &reason
	b.ResolvedAt = &now
	b.UpdatedAt = now
	b.Tickets = tickets

	batch.seats(models.EventSeatsReleased, b.TripID, freed, b.Segment(), now)
	batch.bookingResolved(b, now)

	s.logger.WithFields(logrus.Fields{
		"booking_code": b.Code,
		"user_id":      b.UserID,
		"refund":       b.TotalPrice,
	}).Info("Paid booking cancelled and refunded")
	return nil
}

// ExpireBooking cancels a PENDING booking whose deadline has passed.
// Returns false when the booking is not yet due or already resolved; a resolved booking that
// still owns locks has them released.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID uuid.UUID, now time.Time) (bool, error) {
	batch := newEventBatch()

	var expired bool
	err := withEventTx(ctx, s.store, batch, func(repo database.Repository) error {
		b, err := repo.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if b == nil {
			return models.ErrBookingNotFound
		}
		if err := repo.LockTrip(ctx, b.TripID); err != nil {
			return err
		}
		if b, err = repo.GetBookingForUpdate(ctx, bookingID); err != nil {
			return err
		}
		if b == nil {
			return models.ErrBookingNotFound
		}

		if b.Status != models.BookingStatusPending {
			freed, err := s.locks.releaseHolderLocked(ctx, repo, b.ID)
			if err != nil {
				return err
			}
			if len(freed) > 0 {
				s.logger.WithError(models.ErrInternalInconsistency).WithFields(logrus.Fields{
					"booking_code": b.Code,
					"status":       b.Status,
					"seat_ids":     freed,
				}).Error("Resolved booking still owned seat locks, released")
				batch.seats(models.EventSeatsReleased, b.TripID, freed, b.Segment(), now)
			}
			return nil
		}

		if !b.IsExpired(now) {
			return nil
		}

		expired = true
		return s.resolvePendingLocked(ctx, repo, b, models.BookingStatusCancelled, models.ReasonExpired, now, batch)
	})
	if err != nil {
		return false, err
	}

	s.events.flush(ctx, batch)
	return expired, nil
}

// ============================================================================
// QUERIES / HELPERS
// ============================================================================

// Get returns a booking snapshot with its tickets. Users only see their own bookings.
func (s *BookingService) Get(ctx context.Context, code string, actor models.Actor) (*models.Booking, error) {
	b, err := s.store.GetBookingByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if b == nil || !actor.CanAccess(b) {
		return nil, models.ErrBookingNotFound
	}

	if b.Tickets, err = s.store.ListTicketsByBooking(ctx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// lockBooking takes the trip lock then the booking row lock, in that order
func (s *BookingService) lockBooking(ctx context.Context, repo database.Repository, code string, actor models.Actor) (*models.Booking, error) {
	b, err := repo.GetBookingByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if b == nil || !actor.CanAccess(b) {
		return nil, models.ErrBookingNotFound
	}

	if err := repo.LockTrip(ctx, b.TripID); err != nil {
		return nil, err
	}
	locked, err := repo.GetBookingForUpdate(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if locked == nil {
		return nil, models.ErrBookingNotFound
	}
	return locked, nil
}

// creditWalletLocked adds amount to the user's wallet and returns the new balance
func creditWalletLocked(ctx context.Context, repo database.Repository, userID, bookingID uuid.UUID, amount float64, note string) (float64, error) {
	wallet, err := repo.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, models.ErrWalletNotFound
	}

	return repo.ApplyWalletTransaction(ctx, models.WalletTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		BookingID: &bookingID,
		Type:      models.WalletTxnRefund,
		Amount:    amount,
		Note:      &note,
	})
}
