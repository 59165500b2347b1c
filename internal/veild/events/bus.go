// Package events is a thin in-process pub/sub layer used to decouple
// the key service from interested observers (traffic sync seeding,
// logging). Delivery is synchronous and best-effort.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gookitEvent "github.com/gookit/event"

	"github.com/merdocx/veil-xray/pkg/logger"
)

// Well-known event types.
const (
	TypeKeyCreated    = "key.created"
	TypeKeyRevoked    = "key.revoked"
	TypeTrafficSynced = "traffic.synced"
	TypeHealthChanged = "xray.health_changed"
)

// Event is what flows over the bus.
type Event interface {
	ID() string
	Type() string
	Timestamp() time.Time
	Metadata() map[string]any
}

// Handler processes a delivered event. Returning an error aborts
// delivery to lower-priority handlers of the same type.
type Handler func(ctx context.Context, e Event) error

// UnsubscribeFunc removes a previously registered handler.
type UnsubscribeFunc func()

// Bus is the pub/sub interface the rest of the application sees.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(eventType string, handler Handler) (UnsubscribeFunc, error)
	Close() error
}

type gookitBus struct {
	manager *gookitEvent.Manager
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewBus creates an in-process event bus.
func NewBus(log *logger.Logger) Bus {
	return &gookitBus{
		manager: gookitEvent.NewManager("veild"),
		logger:  log.WithComponent("events"),
	}
}

func (b *gookitBus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.Unlock()

	b.logger.DebugContext(ctx, "publishing event",
		slog.String("type", e.Type()),
		slog.String("id", e.ID()))

	err, _ := b.manager.Fire(e.Type(), gookitEvent.M{"payload": e})
	if err != nil {
		b.logger.ErrorCtx(ctx, "event delivery failed", err,
			slog.String("type", e.Type()))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *gookitBus) Subscribe(eventType string, handler Handler) (UnsubscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	listener := gookitEvent.ListenerFunc(func(ge gookitEvent.Event) error {
		payload, ok := ge.Get("payload").(Event)
		if !ok {
			return fmt.Errorf("invalid event payload: %T", ge.Get("payload"))
		}
		return handler(context.Background(), payload)
	})
	b.manager.On(eventType, listener, gookitEvent.Normal)

	return func() {
		b.manager.RemoveListener(eventType, listener)
	}, nil
}

func (b *gookitBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.manager.Clear()
	b.closed = true
	return nil
}

// BaseEvent is the standard Event implementation.
type BaseEvent struct {
	id        string
	eventType string
	timestamp time.Time
	metadata  map[string]any
}

// NewEvent creates an event of the given type.
func NewEvent(eventType string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &BaseEvent{
		id:        uuid.NewString(),
		eventType: eventType,
		timestamp: time.Now(),
		metadata:  metadata,
	}
}

func (e *BaseEvent) ID() string               { return e.id }
func (e *BaseEvent) Type() string             { return e.eventType }
func (e *BaseEvent) Timestamp() time.Time     { return e.timestamp }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }

// KeyCreated builds the event published after a successful provision.
func KeyCreated(keyID int64, keyUUID string) Event {
	return NewEvent(TypeKeyCreated, map[string]any{
		"key_id": keyID,
		"uuid":   keyUUID,
	})
}

// KeyRevoked builds the event published after a revocation.
func KeyRevoked(keyID int64, keyUUID string) Event {
	return NewEvent(TypeKeyRevoked, map[string]any{
		"key_id": keyID,
		"uuid":   keyUUID,
	})
}

// TrafficSynced builds the event published after a stats sync pass.
func TrafficSynced(keys int) Event {
	return NewEvent(TypeTrafficSynced, map[string]any{
		"keys": keys,
	})
}
