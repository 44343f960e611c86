package ports

import (
	"context"

	"github.com/aescanero/flowengine/pkg/domain"
)

// EventHandler handles one delivered event. Returned errors are logged by the
// bus and never reach the publisher.
type EventHandler func(ctx context.Context, event domain.Event) error

// SubscriptionID identifies a registered handler for later removal.
type SubscriptionID string

// EventBus is a broadcast publish/subscribe bus keyed by channel name and by
// thread id. Every handler on a channel receives every event published on it.
type EventBus interface {
	// Publish delivers event to every subscriber of channel without blocking
	// on slow or failing subscribers.
	Publish(ctx context.Context, channel string, event domain.Event) error

	// Subscribe registers handler on channel. The subscription is removed
	// when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, channel string, handler EventHandler) (SubscriptionID, error)

	// Unsubscribe removes a handler registered on channel.
	Unsubscribe(channel string, id SubscriptionID) error

	// PublishToThread delivers event to subscribers of threadID.
	PublishToThread(ctx context.Context, threadID string, event domain.Event) error

	// SubscribeToThread registers handler for events of threadID.
	SubscribeToThread(ctx context.Context, threadID string, handler EventHandler) (SubscriptionID, error)

	// UnsubscribeFromThread removes a thread handler.
	UnsubscribeFromThread(threadID string, id SubscriptionID) error

	// Close stops delivery and drops all subscriptions.
	Close() error
}
