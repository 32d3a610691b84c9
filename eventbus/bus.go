package eventbus

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Modes of operation.
const (
	ModeInline = "inline"
	ModeRedis  = "redis"
)

// Config holds the event bus configuration.
type Config struct {
	Mode    string `help:"event delivery mode (inline | redis)" default:"inline"`
	Address string `help:"redis connection url for redis mode" default:""`
	Channel string `help:"redis channel events are published on" default:"apphub.events"`
}

// Handler consumes a single event. Handlers must be idempotent: delivery is
// at-most-once inline and at-least-once through the broker.
type Handler func(ctx context.Context, event Event)

// Bus publishes events and dispatches them to in-process subscribers.
type Bus interface {
	// Publish emits an event. Publication failures are logged, never
	// surfaced to mutation callers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for all subsequent events and returns
	// an unsubscribe function.
	Subscribe(handler Handler) (cancel func())
	// Close releases broker resources.
	Close() error
}

// subscribers is the shared fan-out used by both modes.
type subscribers struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{handlers: map[int]Handler{}}
}

func (subs *subscribers) add(handler Handler) (cancel func()) {
	subs.mu.Lock()
	defer subs.mu.Unlock()

	id := subs.nextID
	subs.nextID++
	subs.handlers[id] = handler
	return func() {
		subs.mu.Lock()
		defer subs.mu.Unlock()
		delete(subs.handlers, id)
	}
}

func (subs *subscribers) dispatch(ctx context.Context, event Event) {
	subs.mu.RLock()
	handlers := make([]Handler, 0, len(subs.handlers))
	for _, handler := range subs.handlers {
		handlers = append(handlers, handler)
	}
	subs.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}

// Inline dispatches events synchronously in-process. It is the default for
// tests and single-process deployments.
type Inline struct {
	log  *zap.Logger
	subs *subscribers
}

// NewInline creates an inline bus.
func NewInline(log *zap.Logger) *Inline {
	return &Inline{log: log, subs: newSubscribers()}
}

// Publish implements Bus.
func (bus *Inline) Publish(ctx context.Context, event Event) {
	mon.Counter("eventbus_published").Inc(1)
	bus.subs.dispatch(ctx, event)
}

// Subscribe implements Bus.
func (bus *Inline) Subscribe(handler Handler) (cancel func()) {
	return bus.subs.add(handler)
}

// Close implements Bus.
func (bus *Inline) Close() error { return nil }
