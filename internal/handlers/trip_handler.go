package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// SeatMapReader reads segment occupancy from the seat ledger
type SeatMapReader interface {
	SeatMap(ctx context.Context, tripID, fromStationID, toStationID uuid.UUID) (*models.SeatMap, error)
}

// TripSubscriber streams the events of one trip
type TripSubscriber interface {
	Subscribe(ctx context.Context, tripID uuid.UUID) (<-chan models.TripEvent, error)
}

// TripHandler serves the seat map and the per-trip real-time channel
type TripHandler struct {
	ledger    SeatMapReader
	events    TripSubscriber
	keepAlive time.Duration
	logger    *logrus.Logger
}

// NewTripHandler creates a new TripHandler
func NewTripHandler(ledger SeatMapReader, events TripSubscriber, logger *logrus.Logger) *TripHandler {
	return &TripHandler{
		ledger:    ledger,
		events:    events,
		keepAlive: 25 * time.Second,
		logger:    logger,
	}
}

// SeatMap returns seat attributes and FREE/LOCKED/BOOKED status for ?from=&to= (whole route when omitted)
func (h *TripHandler) SeatMap(c *gin.Context) {
	tripID, err := uuid.Parse(c.Param("trip_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid trip id"})
		return
	}

	from, to, ok := stationPair(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from and to must both be station ids"})
		return
	}

	seatMap, err := h.ledger.SeatMap(c.Request.Context(), tripID, from, to)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, seatMap)
}

func stationPair(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	rawFrom, rawTo := c.Query("from"), c.Query("to")
	if rawFrom == "" && rawTo == "" {
		return uuid.Nil, uuid.Nil, true
	}
	from, err := uuid.Parse(rawFrom)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	to, err := uuid.Parse(rawTo)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return from, to, true
}

// Events streams the trip channel as server-sent events until the client goes away.
// Events are freshness hints; clients re-read the seat map on each one.
func (h *TripHandler) Events(c *gin.Context) {
	tripID, err := uuid.Parse(c.Param("trip_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid trip id"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.events.Subscribe(ctx, tripID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithField("trip_id", tripID).Debug("Trip channel subscriber joined")

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})

	h.logger.WithField("trip_id", tripID).Debug("Trip channel subscriber left")
}
