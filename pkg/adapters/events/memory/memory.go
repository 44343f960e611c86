package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// ThreadChannel returns the internal channel name of a thread.
func ThreadChannel(threadID string) string {
	return "thread/" + threadID
}

// subscription is one registered handler with its own delivery queue.
type subscription struct {
	id      ports.SubscriptionID
	channel string
	handler ports.EventHandler
	ctx     context.Context
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// EventBus implements EventBus with in-memory broadcast delivery
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[ports.SubscriptionID]*subscription
	closed      bool
	wg          sync.WaitGroup

	bufferSize int
	metrics    ports.MetricsCollector
	logger     *zap.Logger
}

// NewEventBus creates a new in-memory event bus
func NewEventBus(bufferSize int, metrics ports.MetricsCollector, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &EventBus{
		subscribers: make(map[string]map[ports.SubscriptionID]*subscription),
		bufferSize:  bufferSize,
		metrics:     metrics,
		logger:      logger,
	}
}

// Publish delivers an event to all subscribers of a channel
func (e *EventBus) Publish(ctx context.Context, channel string, event domain.Event) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return domain.ErrBusClosed
	}
	subs := make([]*subscription, 0, len(e.subscribers[channel]))
	for _, s := range e.subscribers[channel] {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	e.metrics.RecordEventPublished(channel)

	for _, s := range subs {
		e.enqueue(s, event)
	}

	return nil
}

// enqueue queues event without blocking. A full queue drops the new event,
// except a terminal one, which evicts the oldest queued event instead so
// that stream consumers always see the end of a run.
func (e *EventBus) enqueue(s *subscription, event domain.Event) {
	for {
		select {
		case s.queue <- event:
			return
		default:
		}

		if !event.IsTerminal() {
			e.drop(s, event)
			return
		}
		select {
		case evicted := <-s.queue:
			e.drop(s, evicted)
		default:
		}
	}
}

func (e *EventBus) drop(s *subscription, event domain.Event) {
	e.metrics.RecordEventDropped(s.channel)
	e.logger.Warn("subscriber queue full, dropping event",
		zap.String("channel", s.channel),
		zap.String("subscription_id", string(s.id)),
		zap.String("event_type", string(event.Type)),
		zap.String("execution_id", event.ExecutionID))
}

// Subscribe registers a handler on a channel
func (e *EventBus) Subscribe(ctx context.Context, channel string, handler ports.EventHandler) (ports.SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is nil")
	}

	s := &subscription{
		id:      ports.SubscriptionID(uuid.New().String()),
		channel: channel,
		handler: handler,
		ctx:     ctx,
		queue:   make(chan domain.Event, e.bufferSize),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", domain.ErrBusClosed
	}
	if e.subscribers[channel] == nil {
		e.subscribers[channel] = make(map[ports.SubscriptionID]*subscription)
	}
	e.subscribers[channel][s.id] = s
	e.wg.Add(1)
	e.mu.Unlock()

	go e.deliver(s)

	return s.id, nil
}

// Unsubscribe removes a handler from a channel
func (e *EventBus) Unsubscribe(channel string, id ports.SubscriptionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.subscribers[channel][id]
	if !ok {
		return fmt.Errorf("subscription %s not found on channel %s", id, channel)
	}
	e.remove(s)
	return nil
}

// PublishToThread delivers an event to subscribers of a thread
func (e *EventBus) PublishToThread(ctx context.Context, threadID string, event domain.Event) error {
	if event.ThreadID == "" {
		event.ThreadID = threadID
	}
	return e.Publish(ctx, ThreadChannel(threadID), event)
}

// SubscribeToThread registers a handler for a thread
func (e *EventBus) SubscribeToThread(ctx context.Context, threadID string, handler ports.EventHandler) (ports.SubscriptionID, error) {
	return e.Subscribe(ctx, ThreadChannel(threadID), handler)
}

// UnsubscribeFromThread removes a thread handler
func (e *EventBus) UnsubscribeFromThread(threadID string, id ports.SubscriptionID) error {
	return e.Unsubscribe(ThreadChannel(threadID), id)
}

// SubscriberCount returns the number of handlers on a channel
func (e *EventBus) SubscriberCount(channel string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[channel])
}

// Close stops delivery and waits for in-flight handlers to return
func (e *EventBus) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, subs := range e.subscribers {
		for _, s := range subs {
			s.stop()
		}
	}
	e.subscribers = make(map[string]map[ports.SubscriptionID]*subscription)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// remove drops a subscription. Callers must hold e.mu.
func (e *EventBus) remove(s *subscription) {
	s.stop()
	delete(e.subscribers[s.channel], s.id)
	if len(e.subscribers[s.channel]) == 0 {
		delete(e.subscribers, s.channel)
	}
}

// deliver runs the handler of one subscription in publish order.
func (e *EventBus) deliver(s *subscription) {
	defer e.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			e.mu.Lock()
			e.remove(s)
			e.mu.Unlock()
			return
		case event := <-s.queue:
			e.invoke(s, event)
		}
	}
}

// invoke calls a handler, containing errors and panics.
func (e *EventBus) invoke(s *subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("channel", s.channel),
				zap.String("subscription_id", string(s.id)),
				zap.Any("panic", r))
		}
	}()

	if err := s.handler(s.ctx, event); err != nil {
		e.logger.Warn("event handler failed",
			zap.String("channel", s.channel),
			zap.String("subscription_id", string(s.id)),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
