// Package event implements the runtime's event bus (C2): publish/subscribe
// fan-out with pre/post-publish extension hooks and per-type backpressure.
// Delivery is synchronous in the publisher's goroutine and isolates
// subscriber failures, following the fan-out idiom used by the corpus's
// hook bus, generalized with hook-driven payload rewriting and admission
// control.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/extension"
	"github.com/nimbusflow/reactor/telemetry"
)

// Event is a published domain event. ID, Type, and Timestamp are immutable
// after construction; Payload may be rewritten by a beforePublish hook
// before delivery, but correlation metadata is preserved across that
// rewrite.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Payload   any
	Metadata  map[string]any
}

// CorrelationID returns the correlationId convention key from Metadata, if
// present.
func (e Event) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	id, _ := e.Metadata["correlationId"].(string)
	return id
}

// Handler receives a single event's payload during fan-out.
type Handler func(ctx context.Context, payload any) error

// Subscription represents an active registration on the Bus. Unsubscribe
// is idempotent and removes the subscriber; repeat calls are no-ops.
type Subscription interface {
	Unsubscribe()
}

// Store is the optional persistence collaborator named in the external
// interfaces: after a successful publish, the bus forwards the event so it
// can be indexed by type and by metadata.correlationId and queried by
// timestamp range. Implementations live in package store: in-memory,
// Mongo, Redis.
type Store interface {
	StoreEvent(ctx context.Context, event Event) error
}

// BackpressurePolicy governs per-event-type admission. Publish consults the
// policy before fan-out; if ShouldAccept is false, Publish sleeps for
// CalculateDelay before proceeding. Backpressure is always advisory: no
// event is ever dropped.
type BackpressurePolicy interface {
	ShouldAccept(currentInFlight int) bool
	CalculateDelay() time.Duration
}

type subscriberEntry struct {
	id      string
	handler Handler
}

// Bus is the concrete event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu           sync.RWMutex
	subscribers  map[string][]subscriberEntry // event type -> ordered subscribers
	wildcard     []subscriberEntry
	inflight     map[string]*atomic.Int64 // per-type in-flight counters
	backpressure map[string]BackpressurePolicy

	ext    *extension.System
	store  Store
	logger telemetry.Logger
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithExtensions wires the extension system used to run event:beforePublish
// and event:afterPublish hooks. Without this option, publishing skips hook
// execution entirely.
func WithExtensions(sys *extension.System) Option {
	return func(b *Bus) { b.ext = sys }
}

// WithStore attaches the optional event storage collaborator.
func WithStore(store Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithLogger attaches a logger used to report subscriber and post-publish
// hook failures, which are captured and never propagated to the publisher.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers:  make(map[string][]subscriberEntry),
		inflight:     make(map[string]*atomic.Int64),
		backpressure: make(map[string]BackpressurePolicy),
		logger:       telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetBackpressure installs (or replaces) the backpressure policy for
// eventType. Pass nil to remove admission control for that type.
func (b *Bus) SetBackpressure(eventType string, policy BackpressurePolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if policy == nil {
		delete(b.backpressure, eventType)
		return
	}
	b.backpressure[eventType] = policy
}

type subscription struct {
	bus       *Bus
	eventType string
	id        string
	once      sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.eventType == "*" {
			s.bus.wildcard = removeEntry(s.bus.wildcard, s.id)
			return
		}
		s.bus.subscribers[s.eventType] = removeEntry(s.bus.subscribers[s.eventType], s.id)
	})
}

func removeEntry(entries []subscriberEntry, id string) []subscriberEntry {
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// Subscribe registers handler for eventType, or for every event when
// eventType is "*". Multiple subscriptions for the same handler are
// permitted; each gets its own Subscription.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	id := uuid.NewString()
	entry := subscriberEntry{id: id, handler: handler}
	b.mu.Lock()
	if eventType == "*" {
		b.wildcard = append(b.wildcard, entry)
	} else {
		b.subscribers[eventType] = append(b.subscribers[eventType], entry)
	}
	b.mu.Unlock()
	return &subscription{bus: b, eventType: eventType, id: id}
}

// ClearSubscriptions removes every subscriber registered for eventType.
func (b *Bus) ClearSubscriptions(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "*" {
		b.wildcard = nil
		return
	}
	delete(b.subscribers, eventType)
}

// ClearAllSubscriptions removes every subscriber for every event type,
// including wildcard subscribers.
func (b *Bus) ClearAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscriberEntry)
	b.wildcard = nil
}

// Publish delivers event to every subscriber of event.Type and every
// wildcard subscriber, applying backpressure admission and pre/post-publish
// hooks as described in §4.2. Hooks may rewrite only the payload; the
// event's ID, Type, and Timestamp are never changed by them. Subscribers
// receive the (possibly rewritten) payload.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	if err := b.admit(ctx, evt.Type); err != nil {
		return err
	}
	counter := b.inflightCounter(evt.Type)
	counter.Add(1)
	defer counter.Add(-1)

	payload := evt.Payload
	if b.ext != nil {
		out, err := b.ext.ExecuteExtensionPoint(ctx, "event:beforePublish", map[string]any{
			"eventType": evt.Type,
			"payload":   payload,
		})
		if err != nil {
			return err
		}
		if m, ok := out.(map[string]any); ok {
			if p, ok := m["payload"]; ok {
				payload = p
			}
		}
	}
	evt.Payload = payload

	b.deliver(ctx, evt)

	if b.store != nil {
		if err := b.store.StoreEvent(ctx, evt); err != nil {
			b.logger.Error(ctx, "event store failed", "eventId", evt.ID, "error", err)
		}
	}

	if b.ext != nil {
		_, err := b.ext.ExecuteExtensionPoint(ctx, "event:afterPublish", map[string]any{
			"eventId":   evt.ID,
			"eventType": evt.Type,
			"payload":   payload,
		})
		if err != nil {
			b.logger.Error(ctx, "afterPublish hook failed", "eventId", evt.ID, "error", err)
		}
	}
	return nil
}

func (b *Bus) admit(ctx context.Context, eventType string) error {
	b.mu.RLock()
	policy := b.backpressure[eventType]
	counter := b.inflightCounterLocked(eventType)
	b.mu.RUnlock()
	if policy == nil {
		return nil
	}
	current := int(counter.Load())
	if policy.ShouldAccept(current) {
		return nil
	}
	delay := policy.CalculateDelay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, ctx.Err(), "publish admission cancelled")
	case <-timer.C:
		return nil
	}
}

func (b *Bus) inflightCounter(eventType string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflightCounterLocked(eventType)
}

func (b *Bus) inflightCounterLocked(eventType string) *atomic.Int64 {
	c, ok := b.inflight[eventType]
	if !ok {
		c = &atomic.Int64{}
		b.inflight[eventType] = c
	}
	return c
}

// deliver fans out to subscribers in registration order. Subscriber
// invocations are independent: a panic or error in one is captured, logged,
// and does not affect others.
func (b *Bus) deliver(ctx context.Context, evt Event) {
	b.mu.RLock()
	direct := append([]subscriberEntry(nil), b.subscribers[evt.Type]...)
	wild := append([]subscriberEntry(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, sub := range direct {
		b.invokeSubscriber(ctx, sub, evt)
	}
	for _, sub := range wild {
		b.invokeSubscriber(ctx, sub, evt)
	}
}

func (b *Bus) invokeSubscriber(ctx context.Context, sub subscriberEntry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "subscriber panicked", "eventType", evt.Type, "subscriptionId", sub.id, "recovered", r)
		}
	}()
	if err := sub.handler(ctx, evt.Payload); err != nil {
		b.logger.Error(ctx, "subscriber failed", "eventType", evt.Type, "subscriptionId", sub.id, "error", err)
	}
}
