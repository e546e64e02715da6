package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/sirupsen/logrus"
)

// IntegrationPublisher hands settled/cancelled bookings to downstream systems
// (ticket printing, invoicing). Publishing happens after commit and never fails the booking flow.
type IntegrationPublisher interface {
	PublishBookingEvent(ctx context.Context, evt models.BookingIntegrationEvent) error
}

// NoopIntegrationPublisher is used when no broker is configured
type NoopIntegrationPublisher struct{}

func (NoopIntegrationPublisher) PublishBookingEvent(context.Context, models.BookingIntegrationEvent) error {
	return nil
}

// AMQPPublisher publishes integration events to durable RabbitMQ queues
type AMQPPublisher struct {
	conn           *amqp.Connection
	mu             sync.Mutex // amqp channels are not safe for concurrent publishing
	ch             *amqp.Channel
	confirmedQueue string
	cancelledQueue string
	logger         *logrus.Logger
}

// NewAMQPPublisher dials the broker and declares the booking queues
func NewAMQPPublisher(url, queuePrefix string, logger *logrus.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	p := &AMQPPublisher{
		conn:           conn,
		ch:             ch,
		confirmedQueue: queuePrefix + ".confirmed",
		cancelledQueue: queuePrefix + ".cancelled",
		logger:         logger,
	}

	for _, q := range []string{p.confirmedQueue, p.cancelledQueue} {
		// durable, not auto-deleted, not exclusive
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}

	return p, nil
}

// PublishBookingEvent routes PAID bookings to the confirmed queue and every other terminal status to the cancelled queue
func (p *AMQPPublisher) PublishBookingEvent(ctx context.Context, evt models.BookingIntegrationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal integration event: %w", err)
	}

	queue := p.cancelledQueue
	if evt.Status == models.BookingStatusPaid {
		queue = p.confirmedQueue
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.EventID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	p.logger.WithFields(logrus.Fields{
		"booking_code": evt.BookingCode,
		"queue":        queue,
	}).Debug("Integration event published")
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
