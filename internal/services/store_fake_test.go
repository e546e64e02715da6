package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
)

// memStore is an in-memory database.Store. Transactions are fully serialized and roll back
// by restoring a copy taken at begin, which is stricter than the per-trip locking in Postgres.
type memStore struct {
	memRepo
	mu   sync.Mutex
	data *memData

	// failures injected by name of the repository method, consumed once
	failures map[string]error

	// bookings whose row is gone by the time it is locked FOR UPDATE
	goneOnLock map[uuid.UUID]bool

	txCount int
}

type memData struct {
	trips      map[uuid.UUID]models.Trip
	seats      map[uuid.UUID][]models.Seat
	locks      []models.SeatLock
	bookings   map[uuid.UUID]models.Booking
	tickets    []models.Ticket
	wallets    map[uuid.UUID]models.Wallet
	walletTxns []models.WalletTransaction
	audits     []models.PaymentAudit
	eventSeq   map[uuid.UUID]int64
}

func newMemStore() *memStore {
	s := &memStore{
		data: &memData{
			trips:    make(map[uuid.UUID]models.Trip),
			seats:    make(map[uuid.UUID][]models.Seat),
			bookings: make(map[uuid.UUID]models.Booking),
			wallets:  make(map[uuid.UUID]models.Wallet),
			eventSeq: make(map[uuid.UUID]int64),
		},
		failures:   make(map[string]error),
		goneOnLock: make(map[uuid.UUID]bool),
	}
	s.memRepo = memRepo{store: s}
	return s
}

func (d *memData) clone() *memData {
	c := &memData{
		trips:      make(map[uuid.UUID]models.Trip, len(d.trips)),
		seats:      make(map[uuid.UUID][]models.Seat, len(d.seats)),
		locks:      append([]models.SeatLock(nil), d.locks...),
		bookings:   make(map[uuid.UUID]models.Booking, len(d.bookings)),
		tickets:    append([]models.Ticket(nil), d.tickets...),
		wallets:    make(map[uuid.UUID]models.Wallet, len(d.wallets)),
		walletTxns: append([]models.WalletTransaction(nil), d.walletTxns...),
		audits:     append([]models.PaymentAudit(nil), d.audits...),
		eventSeq:   make(map[uuid.UUID]int64, len(d.eventSeq)),
	}
	for k, v := range d.eventSeq {
		c.eventSeq[k] = v
	}
	for k, v := range d.trips {
		c.trips[k] = v
	}
	for k, v := range d.seats {
		c.seats[k] = v
	}
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.wallets {
		c.wallets[k] = v
	}
	return c
}

func (s *memStore) WithTx(ctx context.Context, fn func(repo database.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	backup := s.data.clone()
	if err := fn(&memRepo{store: s, inTx: true}); err != nil {
		s.data = backup
		return err
	}
	return nil
}

func (s *memStore) ReadSnapshot(ctx context.Context, fn func(repo database.Repository) error) error {
	return s.WithTx(ctx, fn)
}

func (s *memStore) failOnce(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// test accessors

func (s *memStore) booking(code string) models.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.data.bookings {
		if b.Code == code {
			return b
		}
	}
	return models.Booking{}
}

func (s *memStore) lockCount(tripID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.data.locks {
		if l.TripID == tripID {
			n++
		}
	}
	return n
}

func (s *memStore) ticketsOf(bookingID uuid.UUID) []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, t := range s.data.tickets {
		if t.BookingID == bookingID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) wallet(userID uuid.UUID) models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.wallets[userID]
}

func (s *memStore) auditsOf(typ models.PaymentEventType) []models.PaymentAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentAudit
	for _, a := range s.data.audits {
		if a.EventType == typ {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) putTrip(trip models.Trip, seats []models.Seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.trips[trip.ID] = trip
	s.data.seats[trip.ID] = seats
}

func (s *memStore) putWallet(w models.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.wallets[w.UserID] = w
}

func (s *memStore) putLock(l models.SeatLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.locks = append(s.data.locks, l)
}

// memRepo implements database.Repository over memStore.data. Outside a transaction
// every call takes the store mutex itself.
type memRepo struct {
	store *memStore
	inTx  bool
}

func (r *memRepo) guard() func() {
	if r.inTx {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *memRepo) d() *memData { return r.store.data }

func (r *memRepo) injected(method string) error {
	if err, ok := r.store.failures[method]; ok {
		delete(r.store.failures, method)
		return err
	}
	return nil
}

// Trip catalog

func (r *memRepo) GetTrip(ctx context.Context, tripID uuid.UUID) (*models.Trip, error) {
	defer r.guard()()
	t, ok := r.d().trips[tripID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *memRepo) ListTripSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error) {
	defer r.guard()()
	return append([]models.Seat(nil), r.d().seats[tripID]...), nil
}

func (r *memRepo) SetDepartureDelay(ctx context.Context, tripID uuid.UUID, minutes int) error {
	defer r.guard()()
	t, ok := r.d().trips[tripID]
	if !ok {
		return models.ErrTripNotFound
	}
	t.DepartureDelayMinutes = minutes
	r.d().trips[tripID] = t
	return nil
}

func (r *memRepo) SetArrivalDelay(ctx context.Context, tripID uuid.UUID, minutes int) error {
	defer r.guard()()
	t, ok := r.d().trips[tripID]
	if !ok {
		return models.ErrTripNotFound
	}
	t.ArrivalDelayMinutes = minutes
	r.d().trips[tripID] = t
	return nil
}

func (r *memRepo) CancelTrip(ctx context.Context, tripID uuid.UUID, reason string, at time.Time) (bool, error) {
	defer r.guard()()
	t, ok := r.d().trips[tripID]
	if !ok || t.Status == models.TripStatusCancelled {
		return false, nil
	}
	t.Status = models.TripStatusCancelled
	t.CancellationReason = &reason
	t.CancelledAt = &at
	r.d().trips[tripID] = t
	return true, nil
}

// Seat locks

func (r *memRepo) NextTripEventSeq(ctx context.Context, tripID uuid.UUID) (int64, error) {
	defer r.guard()()
	if err := r.injected("NextTripEventSeq"); err != nil {
		return 0, err
	}
	if _, ok := r.d().trips[tripID]; !ok {
		return 0, nil
	}
	r.d().eventSeq[tripID]++
	return r.d().eventSeq[tripID], nil
}

func (r *memRepo) LockTrip(ctx context.Context, tripID uuid.UUID) error { return nil }

func (r *memRepo) LockUser(ctx context.Context, userID uuid.UUID) error { return nil }

func (r *memRepo) ListTripLocks(ctx context.Context, tripID uuid.UUID) ([]models.SeatLock, error) {
	defer r.guard()()
	var out []models.SeatLock
	for _, l := range r.d().locks {
		if l.TripID == tripID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memRepo) PurgeExpiredLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID, now time.Time) (int64, error) {
	defer r.guard()()
	wanted := idSet(seatIDs)
	var n int64
	kept := r.d().locks[:0:0]
	for _, l := range r.d().locks {
		if l.TripID == tripID && wanted[l.SeatID] && !l.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	r.d().locks = kept
	return n, nil
}

func (r *memRepo) InsertSeatLocks(ctx context.Context, locks []models.SeatLock) error {
	defer r.guard()()
	if err := r.injected("InsertSeatLocks"); err != nil {
		return err
	}
	all := append([]models.SeatLock(nil), r.d().locks...)
	for _, l := range locks {
		for _, e := range all {
			if e.TripID == l.TripID && e.SeatID == l.SeatID && e.Segment().Overlaps(l.Segment()) {
				return &models.SeatConflictError{TripID: l.TripID, SeatIDs: lockSeatIDs(locks)}
			}
		}
		all = append(all, l)
	}
	r.d().locks = all
	return nil
}

func (r *memRepo) ListLocksByHolder(ctx context.Context, holderID uuid.UUID) ([]models.SeatLock, error) {
	defer r.guard()()
	var out []models.SeatLock
	for _, l := range r.d().locks {
		if l.HolderID == holderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memRepo) DeleteLocksByHolder(ctx context.Context, holderID uuid.UUID) (int64, error) {
	defer r.guard()()
	var n int64
	kept := r.d().locks[:0:0]
	for _, l := range r.d().locks {
		if l.HolderID == holderID {
			n++
			continue
		}
		kept = append(kept, l)
	}
	r.d().locks = kept
	return n, nil
}

func (r *memRepo) DeleteSeatLocks(ctx context.Context, tripID uuid.UUID, seatIDs []uuid.UUID) ([]models.SeatLock, error) {
	defer r.guard()()
	wanted := idSet(seatIDs)
	var removed []models.SeatLock
	kept := r.d().locks[:0:0]
	for _, l := range r.d().locks {
		if l.TripID == tripID && wanted[l.SeatID] {
			removed = append(removed, l)
			continue
		}
		kept = append(kept, l)
	}
	r.d().locks = kept
	return removed, nil
}

func (r *memRepo) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.SeatLock, error) {
	defer r.guard()()
	var out []models.SeatLock
	for _, l := range r.d().locks {
		if !l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Bookings

func (r *memRepo) CountActivePendingBookings(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	defer r.guard()()
	n := 0
	for _, b := range r.d().bookings {
		if b.UserID == userID && b.Status == models.BookingStatusPending && b.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) InsertBooking(ctx context.Context, b *models.Booking) error {
	defer r.guard()()
	for _, e := range r.d().bookings {
		if e.Code == b.Code {
			return fmt.Errorf("failed to insert booking: duplicate code %s", b.Code)
		}
	}
	r.d().bookings[b.ID] = *b
	return nil
}

func (r *memRepo) GetBookingByCode(ctx context.Context, code string) (*models.Booking, error) {
	defer r.guard()()
	for _, b := range r.d().bookings {
		if b.Code == code {
			return &b, nil
		}
	}
	return nil, nil
}

func (r *memRepo) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	defer r.guard()()
	b, ok := r.d().bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *memRepo) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	if r.store.goneOnLock[id] {
		return nil, nil
	}
	return r.GetBookingByID(ctx, id)
}

func (r *memRepo) UpdateBookingPassengers(ctx context.Context, id uuid.UUID, meta models.BookingMetadata, total float64, method models.PaymentMethod) error {
	defer r.guard()()
	b, ok := r.d().bookings[id]
	if !ok || b.Status != models.BookingStatusPending {
		return models.ErrBookingNotPending
	}
	b.Metadata = meta
	b.TotalPrice = total
	b.PaymentReference = nil
	b.PaymentMethod = &method
	r.d().bookings[id] = b
	return nil
}

func (r *memRepo) SetPaymentReference(ctx context.Context, id uuid.UUID, reference string) error {
	defer r.guard()()
	b, ok := r.d().bookings[id]
	if !ok {
		return nil
	}
	b.PaymentReference = &reference
	r.d().bookings[id] = b
	return nil
}

func (r *memRepo) TransitionBooking(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason string, at time.Time) (bool, error) {
	defer r.guard()()
	b, ok := r.d().bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	if reason != "" {
		b.StatusReason = &reason
	}
	b.UpdatedAt = at
	b.ResolvedAt = &at
	r.d().bookings[id] = b
	return true, nil
}

func (r *memRepo) ListExpiredPendingBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	defer r.guard()()
	var out []*models.Booking
	for _, b := range r.d().bookings {
		if b.Status == models.BookingStatusPending && !b.ExpiresAt.After(now) {
			b := b
			out = append(out, &b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListBookingsByTrip(ctx context.Context, tripID uuid.UUID, statuses []models.BookingStatus) ([]*models.Booking, error) {
	defer r.guard()()
	var out []*models.Booking
	for _, b := range r.d().bookings {
		if b.TripID != tripID {
			continue
		}
		for _, st := range statuses {
			if b.Status == st {
				b := b
				out = append(out, &b)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Tickets

func (r *memRepo) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	defer r.guard()()
	if err := r.injected("InsertTickets"); err != nil {
		return err
	}
	all := append([]models.Ticket(nil), r.d().tickets...)
	for _, t := range tickets {
		for _, e := range all {
			if e.Status == models.TicketStatusActive && e.TripID == t.TripID && e.SeatID == t.SeatID && e.Segment().Overlaps(t.Segment()) {
				ids := make([]uuid.UUID, len(tickets))
				for i, x := range tickets {
					ids[i] = x.SeatID
				}
				return &models.SeatConflictError{TripID: t.TripID, SeatIDs: ids}
			}
		}
		all = append(all, t)
	}
	r.d().tickets = all
	return nil
}

func (r *memRepo) ListTicketsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Ticket, error) {
	defer r.guard()()
	var out []models.Ticket
	for _, t := range r.d().tickets {
		if t.BookingID == bookingID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) ListActiveTickets(ctx context.Context, tripID uuid.UUID) ([]models.Ticket, error) {
	defer r.guard()()
	var out []models.Ticket
	for _, t := range r.d().tickets {
		if t.TripID == tripID && t.Status == models.TicketStatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) MarkTicketsRefunded(ctx context.Context, bookingID uuid.UUID, at time.Time) (int64, error) {
	defer r.guard()()
	var n int64
	for i := range r.d().tickets {
		t := &r.d().tickets[i]
		if t.BookingID == bookingID && t.Status == models.TicketStatusActive {
			t.Status = models.TicketStatusRefunded
			t.RefundedAt = &at
			n++
		}
	}
	return n, nil
}

// Wallet

func (r *memRepo) GetWalletForUpdate(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	defer r.guard()()
	w, ok := r.d().wallets[userID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (r *memRepo) ApplyWalletTransaction(ctx context.Context, txn models.WalletTransaction) (float64, error) {
	defer r.guard()()
	w, ok := r.d().wallets[txn.UserID]
	if !ok {
		return 0, models.ErrWalletNotFound
	}
	w.Balance += txn.Amount
	r.d().wallets[txn.UserID] = w
	r.d().walletTxns = append(r.d().walletTxns, txn)
	return w.Balance, nil
}

// Payment audit

func (r *memRepo) LogPaymentAudit(ctx context.Context, audit *models.PaymentAudit) error {
	defer r.guard()()
	if err := r.injected("LogPaymentAudit"); err != nil {
		return err
	}
	r.d().audits = append(r.d().audits, *audit)
	return nil
}

func (r *memRepo) HasProviderEvent(ctx context.Context, providerEventID string) (bool, error) {
	defer r.guard()()
	for _, a := range r.d().audits {
		if a.ProviderEvent != nil && *a.ProviderEvent == providerEventID && !a.IsDuplicate {
			return true, nil
		}
	}
	return false, nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func lockSeatIDs(locks []models.SeatLock) []uuid.UUID {
	out := make([]uuid.UUID, len(locks))
	for i, l := range locks {
		out[i] = l.SeatID
	}
	return out
}

var errInjected = errors.New("injected failure")

var _ database.Store = (*memStore)(nil)
