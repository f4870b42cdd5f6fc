package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
)

// channelPrefix namespaces the per-owner Pub/Sub channels
const channelPrefix = "notify:"

// Sink delivers an event to an owner. Push never fails the caller; delivery
// problems are logged.
type Sink interface {
	Push(ctx context.Context, ownerID string, event models.Event)
}

// LocalSink delivers straight into an in-process hub
type LocalSink struct {
	hub *Hub
}

// NewLocalSink creates a sink over hub
func NewLocalSink(hub *Hub) *LocalSink {
	return &LocalSink{hub: hub}
}

// Push implements Sink
func (s *LocalSink) Push(ctx context.Context, ownerID string, event models.Event) {
	n := s.hub.Broadcast(ownerID, event)
	logging.FromContext(ctx).WithFields(logging.Fields{
		"ownerId":   ownerID,
		"eventType": event.Type,
		"delivered": n,
	}).Debug("Event pushed")
}

// RedisSink publishes events so the process holding the websockets can deliver
// them. Owners without a listening relay simply miss the event.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink creates a sink publishing through client
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Push implements Sink
func (s *RedisSink) Push(ctx context.Context, ownerID string, event models.Event) {
	logger := logging.FromContext(ctx).WithFields(logging.Fields{"ownerId": ownerID, "eventType": event.Type})

	payload, err := json.Marshal(event)
	if err != nil {
		logger.WithError(err).Warn("Failed to encode event")
		return
	}
	if err := s.client.Publish(ctx, channelPrefix+ownerID, payload).Err(); err != nil {
		logger.WithError(err).Warn("Failed to publish event")
	}
}

// Relay forwards events published by RedisSink into a local hub
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger *logging.Logger
}

// NewRelay creates a relay from client into hub
func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub, logger: logging.GetGlobalLogger().Component("notify_relay")}
}

// Run subscribes to every owner channel and forwards until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("Relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(msg)
		}
	}
}

func (r *Relay) forward(msg *redis.Message) {
	ownerID := strings.TrimPrefix(msg.Channel, channelPrefix)
	var event models.Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping malformed event")
		return
	}
	r.hub.Broadcast(ownerID, event)
}
