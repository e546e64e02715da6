package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...models.TripEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) ofType(typ models.TripEventType) []models.TripEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.TripEvent
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type recordingBroker struct {
	mu     sync.Mutex
	events []models.BookingIntegrationEvent
}

func (b *recordingBroker) PublishBookingEvent(ctx context.Context, evt models.BookingIntegrationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

// fakeGateway accepts callbacks signed "valid" whose payload is a JSON CallbackEvent
type fakeGateway struct {
	mu        sync.Mutex
	checkouts []payment.CheckoutRequest
	createErr error
}

func (g *fakeGateway) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.checkouts = append(g.checkouts, req)
	return &payment.CheckoutSession{ID: "cs_" + req.BookingCode, URL: "https://pay.example.com/" + req.BookingCode}, nil
}

func (g *fakeGateway) ParseCallback(payload []byte, signature string) (*payment.CallbackEvent, error) {
	if signature != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	var evt payment.CallbackEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, payment.ErrMalformedCallback
	}
	return &evt, nil
}

type fixture struct {
	t         *testing.T
	store     *memStore
	clock     *testClock
	publisher *recordingPublisher
	broker    *recordingBroker
	gateway   *fakeGateway
	metrics   *Metrics
	registry  *prometheus.Registry

	ledger   *SeatLedger
	locks    *LockManager
	bookings *BookingService
	payments *PaymentOrchestrator
	sweeper  *ExpirySweeper
	admin    *AdminTripService

	trip  models.Trip
	seats []models.Seat
}

// Station indices of the seeded trip: Hanoi(0) Ninh Binh(1) Vinh(2) Dong Hoi(3) Hue(4)
var stationNames = []string{"Hanoi", "Ninh Binh", "Vinh", "Dong Hoi", "Hue"}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		t:         t,
		store:     newMemStore(),
		clock:     &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
		broker:    &recordingBroker{},
		gateway:   &fakeGateway{},
		registry:  prometheus.NewRegistry(),
	}
	f.metrics = NewMetrics(f.registry)

	f.ledger = NewSeatLedger(f.store)
	f.ledger.now = f.clock.Now
	events := NewEventDispatcher(f.publisher, f.broker, f.ledger, f.metrics, logger)

	f.locks = NewLockManager(f.store, events, f.metrics, 100, logger)
	f.locks.now = f.clock.Now

	f.bookings = NewBookingService(f.store, f.locks, events, f.gateway, f.metrics, DefaultBookingConfig(), logger)
	f.bookings.now = f.clock.Now

	f.payments = NewPaymentOrchestrator(f.store, f.bookings, f.gateway, events, logger)
	f.payments.now = f.clock.Now

	sweeper, err := NewExpirySweeper(f.store, f.bookings, f.locks, f.metrics, time.Second, 100, logger)
	require.NoError(t, err)
	sweeper.now = f.clock.Now
	f.sweeper = sweeper

	f.admin = NewAdminTripService(f.store, f.bookings, events, logger)
	f.admin.now = f.clock.Now

	f.seedTrip()
	return f
}

func (f *fixture) seedTrip() {
	trip := models.Trip{
		ID:            uuid.New(),
		TrainID:       uuid.New(),
		RouteID:       uuid.New(),
		DepartureTime: f.clock.Now().Add(48 * time.Hour),
		ArrivalTime:   f.clock.Now().Add(60 * time.Hour),
		Status:        models.TripStatusScheduled,
	}
	distances := []float64{0, 100, 300, 500, 700}
	for i, name := range stationNames {
		trip.Stations = append(trip.Stations, models.TripStation{
			StationID:  uuid.New(),
			Name:       name,
			StopIndex:  i,
			DistanceKm: distances[i],
		})
	}

	coach := uuid.New()
	seats := []models.Seat{
		{ID: uuid.New(), CoachID: coach, CoachNumber: "1", SeatNumber: "1A", RowNumber: 1, Position: 1, FareClass: models.FareClassSoftSeat, BasePrice: 700000},
		{ID: uuid.New(), CoachID: coach, CoachNumber: "1", SeatNumber: "1B", RowNumber: 1, Position: 2, FareClass: models.FareClassSoftSeat, BasePrice: 700000},
		{ID: uuid.New(), CoachID: coach, CoachNumber: "1", SeatNumber: "2A", RowNumber: 2, Position: 1, FareClass: models.FareClassHardSeat, BasePrice: 500000},
		{ID: uuid.New(), CoachID: coach, CoachNumber: "1", SeatNumber: "2B", RowNumber: 2, Position: 2, FareClass: models.FareClassHardSeat, BasePrice: 500000},
		{ID: uuid.New(), CoachID: coach, CoachNumber: "1", SeatNumber: "3A", RowNumber: 3, Position: 1, FareClass: models.FareClassHardSeat, BasePrice: 500000, Disabled: true},
	}

	f.store.putTrip(trip, seats)
	f.trip = trip
	f.seats = seats
}

func (f *fixture) station(i int) uuid.UUID {
	return f.trip.Stations[i].StationID
}

func (f *fixture) seat(i int) uuid.UUID {
	return f.seats[i].ID
}

func (f *fixture) initBooking(userID uuid.UUID, from, to int, seats ...uuid.UUID) (*models.InitBookingResponse, error) {
	return f.bookings.Init(context.Background(), userID, &models.InitBookingRequest{
		TripID:        f.trip.ID,
		SeatIDs:       seats,
		FromStationID: f.station(from),
		ToStationID:   f.station(to),
	}, "web")
}

func (f *fixture) mustInit(userID uuid.UUID, from, to int, seats ...uuid.UUID) *models.InitBookingResponse {
	f.t.Helper()
	resp, err := f.initBooking(userID, from, to, seats...)
	require.NoError(f.t, err)
	return resp
}

func passengersFor(seats ...uuid.UUID) []models.PassengerInput {
	names := []string{"Nguyen Van An", "Tran Thi Binh", "Le Van Cuong", "Pham Thi Dung"}
	docs := []string{"001099012345", "B1234567", "079201000123", "C7654321"}
	out := make([]models.PassengerInput, len(seats))
	for i, s := range seats {
		out[i] = models.PassengerInput{SeatID: s, Name: names[i%len(names)], IdentityDocument: docs[i%len(docs)]}
	}
	return out
}

func (f *fixture) mustAttach(userID uuid.UUID, code string, method models.PaymentMethod, seats ...uuid.UUID) *models.AttachPassengersResponse {
	f.t.Helper()
	resp, err := f.bookings.AttachPassengers(context.Background(), userID, code, &models.AttachPassengersRequest{
		Passengers:    passengersFor(seats...),
		PaymentMethod: method,
	})
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) giveWallet(userID uuid.UUID, balance float64, pin string) {
	f.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	require.NoError(f.t, err)
	f.store.putWallet(models.Wallet{UserID: userID, Balance: balance, PinHash: string(hash), Currency: "VND"})
}

func (f *fixture) occupancy(from, to int) map[uuid.UUID]models.SeatStatus {
	f.t.Helper()
	occ, err := f.ledger.Occupancy(context.Background(), f.trip.ID, models.Segment{FromIndex: from, ToIndex: to})
	require.NoError(f.t, err)
	return occ
}

func callbackPayloadJSON(t *testing.T, evt payment.CallbackEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func isSeatConflict(err error) ([]uuid.UUID, bool) {
	var conflict *models.SeatConflictError
	if errors.As(err, &conflict) {
		return conflict.SeatIDs, true
	}
	return nil, false
}
