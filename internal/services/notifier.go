package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/railtix/reservation-core/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TripEventPublisher pushes committed state changes to the viewers of a trip
type TripEventPublisher interface {
	Publish(ctx context.Context, events ...models.TripEvent)
}

// TripTopic is the pub/sub topic of one trip channel
func TripTopic(tripID uuid.UUID) string {
	return "trip_events." + tripID.String()
}

// Notifier is the per-trip broadcast channel. Delivery is at-most-once: a failed
// publish is logged and dropped, and slow subscribers lose events rather than
// blocking publishers.
type Notifier struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	buffer     int
	logger     *logrus.Logger
}

// NewNotifier wires a notifier over any watermill publisher/subscriber pair
func NewNotifier(pub message.Publisher, sub message.Subscriber, buffer int, logger *logrus.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{
		publisher:  pub,
		subscriber: sub,
		buffer:     buffer,
		logger:     logger,
	}
}

// NewInMemoryNotifier fans out inside this process only.
// Publish waits for the subscriber ack so events of a trip keep their order.
func NewInMemoryNotifier(buffer int64, logger *logrus.Logger) *Notifier {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            buffer,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return NewNotifier(ch, ch, int(buffer), logger)
}

// NewRedisNotifier fans out through redis streams so every instance sees every trip event.
// Subscribers use no consumer group: each one reads the whole stream from the moment it joins.
// Each trip stream is trimmed to about maxLen entries; 0 disables trimming.
func NewRedisNotifier(rdb redis.UniversalClient, buffer, maxLen int64, logger *logrus.Logger) (*Notifier, error) {
	wl := NewWatermillLogger(logger)

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: rdb,
	}, wl)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: rdb,
	}, wl)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream subscriber: %w", err)
	}

	var capped message.Publisher = pub
	if maxLen > 0 {
		capped = &cappedStreamPublisher{Publisher: pub, rdb: rdb, maxLen: maxLen, logger: logger}
	}

	return NewNotifier(capped, sub, int(buffer), logger), nil
}

// cappedStreamPublisher trims a trip stream after each publish.
// Trip topics are created on demand, so the per-topic Maxlens of the
// redisstream publisher cannot be filled up front.
type cappedStreamPublisher struct {
	message.Publisher
	rdb    redis.UniversalClient
	maxLen int64
	logger *logrus.Logger
}

func (p *cappedStreamPublisher) Publish(topic string, messages ...*message.Message) error {
	if err := p.Publisher.Publish(topic, messages...); err != nil {
		return err
	}

	if err := p.rdb.XTrimMaxLenApprox(context.Background(), topic, p.maxLen, 0).Err(); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("Failed to trim trip stream")
	}
	return nil
}

// Publish sends events in order. Call only after the producing transaction committed.
func (n *Notifier) Publish(ctx context.Context, events ...models.TripEvent) {
	for _, evt := range events {
		if evt.ID == "" {
			evt.ID = watermill.NewUUID()
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			n.logger.WithError(err).WithField("type", evt.Type).Error("Failed to encode trip event")
			continue
		}

		msg := message.NewMessage(evt.ID, payload)
		msg.Metadata.Set("type", string(evt.Type))
		msg.SetContext(ctx)

		if err := n.publisher.Publish(TripTopic(evt.TripID), msg); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"trip_id": evt.TripID,
				"type":    evt.Type,
			}).Warn("Failed to publish trip event")
		}
	}
}

// Subscribe streams the events of one trip until ctx is cancelled
func (n *Notifier) Subscribe(ctx context.Context, tripID uuid.UUID) (<-chan models.TripEvent, error) {
	messages, err := n.subscriber.Subscribe(ctx, TripTopic(tripID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to trip %s: %w", tripID, err)
	}

	out := make(chan models.TripEvent, n.buffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var evt models.TripEvent
			err := json.Unmarshal(msg.Payload, &evt)
			msg.Ack()
			if err != nil {
				n.logger.WithError(err).WithField("message_uuid", msg.UUID).Warn("Dropping undecodable trip event")
				continue
			}

			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				n.logger.WithFields(logrus.Fields{
					"trip_id": tripID,
					"type":    evt.Type,
				}).Debug("Subscriber too slow, trip event dropped")
			}
		}
	}()

	return out, nil
}

// Close shuts down both sides of the transport
func (n *Notifier) Close() error {
	pubErr := n.publisher.Close()
	if any(n.subscriber) == any(n.publisher) {
		return pubErr
	}
	if err := n.subscriber.Close(); err != nil {
		return err
	}
	return pubErr
}
