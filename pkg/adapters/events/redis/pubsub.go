package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aescanero/flowengine/pkg/adapters/events/memory"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "flowengine:events:"

// PubSubEventBus implements EventBus on Redis Pub/Sub. Events are published
// to Redis and relayed back into a local memory bus in every process, so each
// subscriber in the cluster receives every event.
type PubSubEventBus struct {
	client *redis.Client
	local  *memory.EventBus
	logger *zap.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPubSubEventBus subscribes to the event channels and starts the relay
func NewPubSubEventBus(ctx context.Context, client *redis.Client, local *memory.EventBus, logger *zap.Logger) (*PubSubEventBus, error) {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to event channels: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	e := &PubSubEventBus{
		client: client,
		local:  local,
		logger: logger,
		pubsub: pubsub,
		cancel: cancel,
	}

	e.wg.Add(1)
	go e.relay(relayCtx)

	logger.Info("subscribed to redis event channels",
		zap.String("pattern", channelPrefix+"*"))

	return e, nil
}

// Publish publishes an event to the Redis channel
func (e *PubSubEventBus) Publish(ctx context.Context, channel string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := e.client.Publish(ctx, getChannelKey(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("channel", channel))

	return nil
}

// Subscribe registers a handler on the local relay
func (e *PubSubEventBus) Subscribe(ctx context.Context, channel string, handler ports.EventHandler) (ports.SubscriptionID, error) {
	return e.local.Subscribe(ctx, channel, handler)
}

// Unsubscribe removes a handler from the local relay
func (e *PubSubEventBus) Unsubscribe(channel string, id ports.SubscriptionID) error {
	return e.local.Unsubscribe(channel, id)
}

// PublishToThread publishes an event on a thread channel
func (e *PubSubEventBus) PublishToThread(ctx context.Context, threadID string, event domain.Event) error {
	if event.ThreadID == "" {
		event.ThreadID = threadID
	}
	return e.Publish(ctx, memory.ThreadChannel(threadID), event)
}

// SubscribeToThread registers a thread handler on the local relay
func (e *PubSubEventBus) SubscribeToThread(ctx context.Context, threadID string, handler ports.EventHandler) (ports.SubscriptionID, error) {
	return e.local.SubscribeToThread(ctx, threadID, handler)
}

// UnsubscribeFromThread removes a thread handler from the local relay
func (e *PubSubEventBus) UnsubscribeFromThread(threadID string, id ports.SubscriptionID) error {
	return e.local.UnsubscribeFromThread(threadID, id)
}

// Close stops the relay and the local bus. The Redis client is closed by the caller.
func (e *PubSubEventBus) Close() error {
	e.cancel()
	err := e.pubsub.Close()
	e.wg.Wait()

	if localErr := e.local.Close(); localErr != nil && err == nil {
		err = localErr
	}
	if err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}
	return nil
}

// relay forwards Redis messages into the local bus
func (e *PubSubEventBus) relay(ctx context.Context) {
	defer e.wg.Done()

	messages := e.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			e.processMessage(ctx, msg)
		}
	}
}

// processMessage decodes one message and publishes it locally
func (e *PubSubEventBus) processMessage(ctx context.Context, msg *redis.Message) {
	channel := strings.TrimPrefix(msg.Channel, channelPrefix)

	var event domain.Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}

	if err := e.local.Publish(ctx, channel, event); err != nil {
		e.logger.Error("failed to relay event",
			zap.String("channel", channel),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// getChannelKey returns the Redis channel for a bus channel
func getChannelKey(channel string) string {
	return channelPrefix + channel
}
