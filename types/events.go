package types

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies one of the fixed set of core events. The catalogue
// is closed: components emit typed payloads, never ad-hoc string events.
type EventKind string

const (
	EventDeviceJoined  EventKind = "device_joined"
	EventDeviceLeft    EventKind = "device_left"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventFallback      EventKind = "fallback"
)

// Event is the envelope delivered to subscribers. Exactly one payload
// pointer is non-nil, matching Kind.
type Event struct {
	Kind       EventKind     `json:"kind"`
	OccurredAt time.Time     `json:"occurred_at"`
	Device     *DeviceRef    `json:"device,omitempty"`
	Task       *TaskRef      `json:"task,omitempty"`
	Fallback   *FallbackInfo `json:"fallback,omitempty"`
}

// DeviceRef is the payload for device_joined / device_left.
type DeviceRef struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TaskRef is the payload for task_completed / task_failed.
type TaskRef struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// FallbackInfo is the payload for fallback events.
type FallbackInfo struct {
	Reason string `json:"reason"`
}

// EventHandler processes a single event.
type EventHandler func(Event)

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

// EventBus is a typed publish/subscribe surface over the fixed event
// catalogue. Publication never blocks the emitter; a full buffer drops
// the event with a warning.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventKind]map[string]EventHandler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewEventBus creates a bus with a buffered delivery channel and starts
// its delivery goroutine.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		handlers: make(map[EventKind]map[string]EventHandler),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go b.deliver()
	return b
}

// Publish enqueues an event for delivery. Safe to call from any goroutine.
func (b *EventBus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	select {
	case b.events <- ev:
	case <-b.done:
	default:
		b.logger.Warn("event buffer full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Subscribe registers a handler for one event kind and returns a
// subscription id for Unsubscribe.
func (b *EventBus) Subscribe(kind EventKind, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]EventHandler)
	}
	id := fmt.Sprintf("%s-%d", kind, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[kind][id] = handler
	return id
}

// SubscribeAll registers a handler for every kind in the catalogue.
func (b *EventBus) SubscribeAll(handler EventHandler) []string {
	kinds := []EventKind{EventDeviceJoined, EventDeviceLeft, EventTaskCompleted, EventTaskFailed, EventFallback}
	ids := make([]string, 0, len(kinds))
	for _, k := range kinds {
		ids = append(ids, b.Subscribe(k, handler))
	}
	return ids
}

// Unsubscribe removes a subscription by id.
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.handlers {
		delete(subs, subscriptionID)
	}
}

// Stop shuts the bus down. Events published after Stop are discarded;
// no handler runs after Stop returns.
func (b *EventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

func (b *EventBus) deliver() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.events:
			b.mu.RLock()
			subs := make([]EventHandler, 0, len(b.handlers[ev.Kind]))
			for _, h := range b.handlers[ev.Kind] {
				subs = append(subs, h)
			}
			b.mu.RUnlock()
			for _, h := range subs {
				h(ev)
			}
		}
	}
}
