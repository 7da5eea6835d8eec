package events

import (
	"sync"
	"time"
)

// Kind identifies the type of change an Event describes.
type Kind string

// Event kinds published by the engine.
const (
	// KindDeviceUpdated is published after a device is created or any of
	// its fields change in the registry. Payload: device.Device snapshot.
	KindDeviceUpdated Kind = "device_updated"

	// KindDeviceRemoved is published after a device is removed from the
	// registry. Payload: device.Key.
	KindDeviceRemoved Kind = "device_removed"

	// KindErrorAppended is published after an entry is appended to the
	// error log. Payload: errlog.Entry.
	KindErrorAppended Kind = "error_appended"

	// KindErrorLogCleared is published exactly once per error log clear.
	// Payload: nil.
	KindErrorLogCleared Kind = "error_log_cleared"

	// KindDiscoveryCompleted is published after a discovery sweep finishes
	// successfully. Payload: discovery.Summary.
	KindDiscoveryCompleted Kind = "discovery_completed"
)

// Event is a single change notification. The payload is the changed entity
// itself (a snapshot), not a diff.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Handler is the observer callback signature.
//
// Handlers run on the bus dispatcher goroutine. They should return quickly;
// a slow handler delays delivery to later observers but never blocks
// publishers.
type Handler func(Event)

// Publisher is the minimal interface stores need to emit events.
// Both *Bus and test doubles satisfy it.
type Publisher interface {
	Publish(Event)
}

// Logger is the logging interface used by the bus.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// subscriber pairs a handler with its registration order so delivery order
// is deterministic.
type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is an in-process observer registry with a single dispatcher
// goroutine. Publish appends to an ordered queue and returns immediately;
// the dispatcher drains the queue and invokes every subscriber for each
// event, in subscription order.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	subs    []subscriber
	nextID  uint64
	closed  bool
	drained chan struct{}
	logger  Logger
}

// NewBus creates a bus and starts its dispatcher goroutine.
// Call Close to stop it.
func NewBus() *Bus {
	b := &Bus{
		logger:  noopLogger{},
		drained: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// SetLogger sets the logger used for observer failure reporting.
// Must be called before the first Publish.
func (b *Bus) SetLogger(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Subscribe registers an observer and returns its unsubscribe handle.
// Events published after Subscribe returns are delivered to the handler.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues an event for delivery. It never blocks on observers.
// Events published after Close are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

// Close stops the dispatcher after delivering all queued events.
// Safe to call once; Publish calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()

	<-b.drained
}

// dispatch is the bus main loop. It pops events in order and fans each one
// out to all current subscribers.
func (b *Bus) dispatch() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			close(b.drained)
			return
		}

		ev := b.queue[0]
		b.queue = b.queue[1:]

		// Snapshot subscribers so handlers run outside the lock and an
		// unsubscribe during delivery cannot corrupt iteration.
		subs := make([]subscriber, len(b.subs))
		copy(subs, b.subs)
		logger := b.logger
		b.mu.Unlock()

		for _, sub := range subs {
			b.deliver(sub, ev, logger)
		}
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(sub subscriber, ev Event, logger Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event observer panicked",
				"kind", ev.Kind,
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ev)
}
