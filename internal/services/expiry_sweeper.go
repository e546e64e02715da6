package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// SweepResult reports what one sweeper pass did
type SweepResult struct {
	BookingsScanned int                    `json:"bookings_scanned"`
	BookingsExpired int                    `json:"bookings_expired"`
	Locks           models.LockSweepResult `json:"locks"`
	Duration        time.Duration          `json:"duration"`
}

// ExpirySweeper periodically expires PENDING bookings past their deadline and frees lapsed locks.
// Seat availability never depends on it running: lapsed locks are already ignored by every reader.
type ExpirySweeper struct {
	scheduler gocron.Scheduler
	store     database.Store
	bookings  *BookingService
	locks     *LockManager
	metrics   *Metrics
	logger    *logrus.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewExpirySweeper creates a new ExpirySweeper
func NewExpirySweeper(store database.Store, bookings *BookingService, locks *LockManager, metrics *Metrics, interval time.Duration, batchSize int, logger *logrus.Logger) (*ExpirySweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	return &ExpirySweeper{
		scheduler: scheduler,
		store:     store,
		bookings:  bookings,
		locks:     locks,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

// Start schedules the sweep job. A pass still running when the next tick arrives delays that tick.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Expiry sweep failed")
			}
		}),
		gocron.WithName("expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	s.scheduler.Start()
	s.logger.WithField("interval", s.interval).Info("Expiry sweeper started")
	return nil
}

// Stop waits for a running pass to finish and stops the scheduler
func (s *ExpirySweeper) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop expiry sweeper: %w", err)
	}
	s.logger.Info("Expiry sweeper stopped")
	return nil
}

// RunOnce performs one sweep. Safe to run concurrently with request traffic and with itself.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	now := s.now()
	result := &SweepResult{}

	due, err := s.store.ListExpiredPendingBookings(ctx, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired bookings: %w", err)
	}
	result.BookingsScanned = len(due)

	for _, b := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		expired, err := s.bookings.ExpireBooking(ctx, b.ID, now)
		if err != nil {
			s.logger.WithError(err).WithField("booking_code", b.Code).Error("Failed to expire booking")
			continue
		}
		if expired {
			result.BookingsExpired++
		}
	}

	locks, err := s.locks.ExpireSweep(ctx, now, s.bookings)
	if err != nil {
		return result, err
	}
	result.Locks = locks
	result.Duration = time.Since(start)

	s.metrics.swept("booking", result.BookingsExpired+locks.BookingsExpired)
	s.metrics.swept("orphan_lock", locks.OrphansReleased)

	if result.BookingsExpired > 0 || locks.BookingsExpired > 0 || locks.OrphansReleased > 0 {
		s.logger.WithFields(logrus.Fields{
			"bookings_expired": result.BookingsExpired + locks.BookingsExpired,
			"orphans_released": locks.OrphansReleased,
			"locks_scanned":    locks.Scanned,
			"duration":         result.Duration,
		}).Info("Expiry sweep completed")
	}
	return result, nil
}

// GetJobStatus returns the status of the scheduled sweep
func (s *ExpirySweeper) GetJobStatus() map[string]interface{} {
	jobs := s.scheduler.Jobs()

	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		entry := map[string]interface{}{
			"id":   job.ID(),
			"name": job.Name(),
		}
		if next, err := job.NextRun(); err == nil {
			entry["next_run"] = next
		}
		if last, err := job.LastRun(); err == nil {
			entry["last_run"] = last
		}
		out = append(out, entry)
	}

	return map[string]interface{}{
		"running":   len(jobs) > 0,
		"job_count": len(jobs),
		"jobs":      out,
	}
}
