package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/railtix/reservation-core/internal/config"
	"github.com/railtix/reservation-core/internal/database"
	"github.com/railtix/reservation-core/internal/handlers"
	"github.com/railtix/reservation-core/internal/middleware"
	"github.com/railtix/reservation-core/internal/services"
	"github.com/railtix/reservation-core/internal/utils"
	"github.com/railtix/reservation-core/pkg/jwt"
	"github.com/railtix/reservation-core/pkg/payment"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Railtix reservation core")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logLevel)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logger.Fatalf("Failed to apply schema: %v", err)
		}
		logger.Info("Database schema applied")
	}
	store := database.NewPostgresStore(db)

	// Redis is optional: without it the notifier stays in-process and booking init is not rate limited
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")
	}

	notifier, err := newNotifier(cfg, rdb, logger)
	if err != nil {
		logger.Fatalf("Failed to create trip notifier: %v", err)
	}
	defer notifier.Close()

	var broker services.IntegrationPublisher = services.NoopIntegrationPublisher{}
	if cfg.RabbitMQ.URL != "" {
		amqpPublisher, err := services.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueuePrefix, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer amqpPublisher.Close()
		broker = amqpPublisher
		logger.Info("✓ Integration events enabled (RabbitMQ)")
	}

	var gateway payment.Gateway
	if cfg.Payment.StripeSecretKey != "" {
		gateway = payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:     cfg.Payment.StripeSecretKey,
			WebhookSecret: cfg.Payment.StripeWebhookSecret,
			SuccessURL:    cfg.Payment.SuccessURL,
			CancelURL:     cfg.Payment.CancelURL,
		})
		logger.Info("✓ Payment gateway enabled (Stripe Checkout)")
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, only wallet payments are available")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// Services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	ledger := services.NewSeatLedger(store)
	events := services.NewEventDispatcher(notifier, broker, ledger, metrics, logger)
	locks := services.NewLockManager(store, events, metrics, cfg.Sweeper.BatchSize, logger)
	bookingService := services.NewBookingService(store, locks, events, gateway, metrics, services.BookingConfig{
		HoldDuration:       cfg.Booking.HoldDuration,
		MaxPendingPerUser:  cfg.Booking.MaxPendingPerUser,
		MaxSeatsPerBooking: cfg.Booking.MaxSeatsPerBooking,
		Currency:           cfg.Booking.Currency,
	}, logger)
	paymentOrchestrator := services.NewPaymentOrchestrator(store, bookingService, gateway, events, logger)
	adminTripService := services.NewAdminTripService(store, bookingService, events, logger)

	var limiter middleware.BookingInitLimiter
	if rdb != nil && cfg.RateLimit.Enabled {
		limiter = services.NewRateLimitService(rdb, services.RateLimitConfig{
			Capacity:       cfg.RateLimit.Capacity,
			RefillTokens:   cfg.RateLimit.RefillTokens,
			RefillInterval: cfg.RateLimit.RefillInterval,
			TTL:            cfg.RateLimit.TTL,
		}, logger)
		logger.Info("✓ Booking init rate limiting enabled")
	}

	sweeper, err := services.NewExpirySweeper(store, bookingService, locks, metrics, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, logger)
	if err != nil {
		logger.Fatalf("Failed to create expiry sweeper: %v", err)
	}

	// Handlers
	bookingHandler := handlers.NewBookingHandler(bookingService, paymentOrchestrator, logger)
	tripHandler := handlers.NewTripHandler(ledger, notifier, logger)
	paymentHandler := handlers.NewPaymentHandler(paymentOrchestrator, logger)
	adminTripHandler := handlers.NewAdminTripHandler(adminTripService, bookingService, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		// Gateway callbacks are authenticated by their signature
		v1.POST("/payments/webhook", paymentHandler.Webhook)

		trips := v1.Group("/trips")
		{
			trips.GET("/:trip_id/seats", tripHandler.SeatMap)
			trips.GET("/:trip_id/events", tripHandler.Events)
		}

		bookings := v1.Group("/bookings")
		bookings.Use(middleware.AuthMiddleware(jwtService))
		{
			bookings.POST("", middleware.RejectBots(), middleware.RateLimitBookingInit(limiter), bookingHandler.Init)
			bookings.GET("/:code", bookingHandler.Get)
			bookings.POST("/:code/passengers", bookingHandler.AttachPassengers)
			bookings.POST("/:code/cancel", bookingHandler.Cancel)
			bookings.POST("/:code/pay/wallet", bookingHandler.PayWithWallet)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService), middleware.RequireRole(jwt.RoleAdmin))
		{
			admin.PUT("/trips/:trip_id/departure-delay", adminTripHandler.SetDepartureDelay)
			admin.PUT("/trips/:trip_id/arrival-delay", adminTripHandler.SetArrivalDelay)
			admin.POST("/trips/:trip_id/cancel", adminTripHandler.CancelTrip)
			admin.POST("/bookings/:code/cancel", adminTripHandler.CancelBooking)
			admin.GET("/sweeper/status", func(c *gin.Context) {
				c.JSON(http.StatusOK, sweeper.GetJobStatus())
			})
		}
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the trip channel is a long-lived stream
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("Stopping expiry sweeper...")
		return sweeper.Stop()
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server exited with error")
		return
	}
	logger.Info("Server exited successfully")
}

func newNotifier(cfg *config.Config, rdb *redis.Client, logger *logrus.Logger) (*services.Notifier, error) {
	switch cfg.Notifier.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("NOTIFIER_BACKEND=redis requires REDIS_ADDR")
		}
		logger.Info("✓ Trip channel fan-out over redis streams")
		return services.NewRedisNotifier(rdb, cfg.Notifier.OutputBuffer, cfg.Notifier.StreamMaxLen, logger)
	case "", "memory":
		return services.NewInMemoryNotifier(cfg.Notifier.OutputBuffer, logger), nil
	default:
		return nil, fmt.Errorf("unknown notifier backend %q", cfg.Notifier.Backend)
	}
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      c.Request.URL.RawQuery,
			"ip":         utils.GetRealIP(c),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}
		if userCtx, ok := middleware.GetUserContext(c); ok {
			fields["user_id"] = userCtx.UserID
		}

		entry := logger.WithFields(fields)
		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		if status >= 500 {
			entry.Error("Request completed with server error")
		} else if status >= 400 {
			entry.Warn("Request completed with client error")
		} else {
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
