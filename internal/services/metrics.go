package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/railtix/reservation-core/internal/models"
)

// Metrics holds the reservation core's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	BookingsInitiated  prometheus.Counter
	SeatConflicts      prometheus.Counter
	BookingTransitions *prometheus.CounterVec
	SweeperExpired     *prometheus.CounterVec
	AcquireDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BookingsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookings_initiated_total",
			Help: "Bookings created in PENDING state.",
		}),
		SeatConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seat_conflicts_total",
			Help: "Seat hold attempts rejected because a requested seat was taken.",
		}),
		BookingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Terminal booking transitions by resulting status.",
		}, []string{"status"}),
		SweeperExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_expired_total",
			Help: "Items reclaimed by the expiry sweeper.",
		}, []string{"kind"}),
		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seat_lock_acquire_seconds",
			Help:    "Latency of the all-or-nothing seat hold transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.BookingsInitiated, m.SeatConflicts, m.BookingTransitions, m.SweeperExpired, m.AcquireDuration)
	return m
}

func (m *Metrics) bookingInitiated() {
	if m != nil {
		m.BookingsInitiated.Inc()
	}
}

func (m *Metrics) seatConflict() {
	if m != nil {
		m.SeatConflicts.Inc()
	}
}

func (m *Metrics) transition(status models.BookingStatus) {
	if m != nil {
		m.BookingTransitions.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) swept(kind string, n int) {
	if m != nil && n > 0 {
		m.SweeperExpired.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) observeAcquire(start time.Time) {
	if m != nil {
		m.AcquireDuration.Observe(time.Since(start).Seconds())
	}
}
