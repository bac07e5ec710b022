// Package eventbus is the in-process pub/sub (C6) that the schema
// engine and key rotation core use to announce SchemaLoaded,
// SchemaChanged, and KeyRotation events to downstream subscribers
// (the transform orchestrator, peer propagation, security logging).
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// RotationEventType enumerates the KeyRotation sub-events.
type RotationEventType string

const (
	RotationStarted      RotationEventType = "RotationStarted"
	RotationCompleted    RotationEventType = "RotationCompleted"
	RotationFailed       RotationEventType = "RotationFailed"
	PropagationStarted   RotationEventType = "PropagationStarted"
	PropagationCompleted RotationEventType = "PropagationCompleted"
	PropagationFailed    RotationEventType = "PropagationFailed"
)

// SchemaLoaded is published when discover_and_load_all or
// load_schema_internal brings a schema into the available map.
type SchemaLoaded struct {
	Name   string
	Reason string // "loaded" | "approved"
}

// SchemaChanged is published on approve, block, and any other mutation
// to a schema's persisted state or field bindings.
type SchemaChanged struct {
	Name string
}

// KeyRotation is published at every stage of a key rotation or its
// peer propagation.
type KeyRotation struct {
	CorrelationID string
	Type          RotationEventType
	OldKeyID      string
	NewKeyID      string
	TargetNodes   []string
	Status        string
}

// Bus is a typed, bounded pub/sub. Each subscriber gets its own
// buffered channel; a slow subscriber drops the oldest pending event
// for its own channel rather than blocking the publisher or other
// subscribers, which keeps publish() non-blocking under backpressure.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	log  *slog.Logger
}

type subscription struct {
	ch     chan interface{}
	closed bool
}

// DefaultChannelCapacity bounds each subscriber's pending-event queue.
const DefaultChannelCapacity = 64

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[string][]*subscription), log: log}
}

// topic derives the subscription topic from an event's concrete type.
func topic(event interface{}) string {
	switch event.(type) {
	case SchemaLoaded:
		return "schema_loaded"
	case SchemaChanged:
		return "schema_changed"
	case KeyRotation:
		return "key_rotation"
	default:
		return "unknown"
	}
}

// Subscription is a read handle a caller ranges over to receive events
// of one topic.
type Subscription struct {
	C <-chan interface{}
}

func (b *Bus) subscribe(topicName string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{ch: make(chan interface{}, DefaultChannelCapacity)}
	b.subs[topicName] = append(b.subs[topicName], sub)
	return Subscription{C: sub.ch}
}

// SubscribeSchemaLoaded returns a channel of SchemaLoaded events.
func (b *Bus) SubscribeSchemaLoaded() Subscription { return b.subscribe("schema_loaded") }

// SubscribeSchemaChanged returns a channel of SchemaChanged events.
func (b *Bus) SubscribeSchemaChanged() Subscription { return b.subscribe("schema_changed") }

// SubscribeKeyRotation returns a channel of KeyRotation events.
func (b *Bus) SubscribeKeyRotation() Subscription { return b.subscribe("key_rotation") }

// Publish delivers event to every subscriber of its topic. Delivery is
// non-blocking: if a subscriber's buffer is full, the oldest queued
// event for that subscriber is dropped to make room, and the drop is
// logged. Publish itself never blocks on a slow reader.
func (b *Bus) Publish(ctx context.Context, event interface{}) {
	t := topic(event)
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[t]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				b.log.WarnContext(ctx, "eventbus: dropped event for slow subscriber", "topic", t)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.log.WarnContext(ctx, "eventbus: subscriber channel still full after eviction, dropping publish", "topic", t)
			}
		}
	}
}
