package errlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sonatahub/sonata-core/internal/events"
)

// DefaultCapacity is used when the configured capacity is zero or negative.
const DefaultCapacity = 200

// Entry is a single structured error event. Entries are never mutated
// after insertion; they are evicted only by capacity pressure or an
// explicit clear.
type Entry struct {
	// ID uniquely identifies the entry across evictions and clears.
	ID string `json:"id"`

	// Time is when the failure was recorded (UTC).
	Time time.Time `json:"time"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Detail carries the originating error text, when available.
	Detail string `json:"detail,omitempty"`

	// Address is the device endpoint involved, when the failure is
	// device-scoped.
	Address string `json:"address,omitempty"`

	// Command is the command name involved, for gateway failures.
	Command string `json:"command,omitempty"`
}

// noopPublisher drops events when no bus is wired.
type noopPublisher struct{}

func (noopPublisher) Publish(events.Event) {}

// Log is a fixed-capacity ring buffer of error entries shared by every
// engine component. Appending beyond capacity silently evicts the oldest
// entry; losing old entries is intentional, never a fault.
//
// All methods are thread-safe, and every critical section is bounded: the
// log performs no I/O and never blocks a caller on observers.
type Log struct {
	mu       sync.Mutex
	entries  []Entry // ring storage, len == capacity once full
	start    int     // index of the oldest entry
	count    int
	capacity int
	bus      events.Publisher
}

// New creates an error log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		bus:      noopPublisher{},
	}
}

// SetPublisher wires the event bus. Appends publish ErrorAppended; Clear
// publishes a single ErrorLogCleared.
func (l *Log) SetPublisher(bus events.Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bus = bus
}

// Append records an error event. It always succeeds; when the buffer is
// full the oldest entry is evicted. The entry's ID and timestamp are
// assigned here if unset.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < l.capacity {
		l.entries[(l.start+l.count)%l.capacity] = e
		l.count++
	} else {
		// Overwrite the oldest slot and advance the ring start.
		l.entries[l.start] = e
		l.start = (l.start + 1) % l.capacity
	}

	l.bus.Publish(events.Event{Kind: events.KindErrorAppended, Payload: e})
	return e
}

// List returns an ordered snapshot, oldest first.
func (l *Log) List() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(l.start+i)%l.capacity])
	}
	return out
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Capacity returns the configured maximum number of entries.
func (l *Log) Capacity() int {
	return l.capacity
}

// Clear empties the buffer and notifies observers with a single
// ErrorLogCleared event, distinct from per-entry appends, so UIs can reset
// their state instead of replaying absence.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.start = 0
	l.count = 0
	l.bus.Publish(events.Event{Kind: events.KindErrorLogCleared})
}
