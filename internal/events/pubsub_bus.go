package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/sirupsen/logrus"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to
// a Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//     (regulatory archival, dashboards)
//   - in-memory: immediate push to websocket /events/stream subscribers
type PubSubBus struct {
	*Bus // embedded — Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus creates a Pub/Sub-backed event bus, creating the topic
// when it does not exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		log.WithField("topic", topicID).Info("created Pub/Sub topic")
	}

	// Per-batch ordering via ordering key.
	topic.EnableMessageOrdering = true

	log.WithField("topic", topic.String()).Info("connected to Pub/Sub")
	return &PubSubBus{Bus: NewBus(), client: client, topic: topic}, nil
}

// Emit creates a CloudEvent, publishes it to Pub/Sub, and fans out to
// in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publishToPubSub(event)
	pb.Bus.Publish(event)
}

// publishToPubSub serializes the CloudEvent as a Pub/Sub message with
// CloudEvents attributes for server-side filtering. The ordering key
// is the batch portion of the subject so per-batch order survives the
// durable hop.
func (pb *PubSubBus) publishToPubSub(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		log.WithError(err).WithField("event_id", event.ID).Error("marshal event")
		return
	}

	orderingKey := event.Subject
	if bid, ok := event.Data["batch_id"].(string); ok && bid != "" {
		orderingKey = bid
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: orderingKey,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the publish result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Error("Pub/Sub publish failed")
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
