package device

import (
	"sync"
	"time"

	"github.com/sonatahub/sonata-core/internal/events"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// noopPublisher drops events when no bus is wired (tests, early startup).
type noopPublisher struct{}

func (noopPublisher) Publish(events.Event) {}

// Registry holds the current known set of devices and their last observed
// state. It is the single shared store for discovery, polling, and command
// results.
//
// Writer discipline: the Discovery Coordinator creates and removes entries;
// the owning Status Poller and the Command Gateway update an existing
// entry's reachability and playback state. The registry itself only
// enforces the invariants (unique identity key, volume bounds, monotone
// reachability); it does not care who calls it.
//
// All public methods are thread-safe. Snapshots returned by Get/List are
// deep copies, so concurrent readers never observe a partially written
// device.
type Registry struct {
	mu      sync.RWMutex
	devices map[Key]*Device
	bus     events.Publisher
	logger  Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[Key]*Device),
		bus:     noopPublisher{},
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetPublisher wires the event bus. Every durable mutation publishes a
// DeviceUpdated or DeviceRemoved event, in mutation order.
func (r *Registry) SetPublisher(bus events.Publisher) {
	r.bus = bus
}

// Upsert merges a device record into the registry by identity key.
//
// Merge rules:
//   - Identity fields are overwritten only by non-empty incoming values.
//   - Existing playback state and a Ready reachability are preserved; a
//     sweep re-reporting a healthy device must not bounce it back to
//     Initializing while its poller is alive.
//   - An Unreachable device reported by a new sweep is reset to
//     Initializing (this is the only way out of Unreachable).
//   - An entry keyed by address alone is re-keyed in place when the
//     incoming record supplies the resolved player ID.
//
// Returns created=true when the upsert added a new entry (the caller then
// starts a poller for it). ErrIdentityConflict is returned, and the write
// rejected, when the incoming player ID contradicts the one already
// recorded for the same address.
func (r *Registry) Upsert(incoming Device) (created bool, err error) {
	if incoming.Address == "" {
		return false, ErrInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, key, err := r.findForUpsertLocked(incoming)
	if err != nil {
		r.logger.Error("registry upsert rejected",
			"address", incoming.Address,
			"player_id", incoming.Identity.PlayerID,
			"error", err,
		)
		return false, err
	}

	if existing == nil {
		fresh := incoming.Clone()
		if fresh.Reachability == "" {
			fresh.Reachability = ReachabilityInitializing
		}
		fresh.FirstSeen = now
		fresh.UpdatedAt = now
		r.devices[fresh.Key()] = fresh
		r.publishUpdatedLocked(fresh)
		r.logger.Info("device added", "address", fresh.Address, "name", fresh.Identity.Name)
		return true, nil
	}

	mergeIdentity(&existing.Identity, incoming.Identity)
	if existing.Reachability == ReachabilityUnreachable {
		// Rediscovered: give the device a fresh initializing lifecycle.
		existing.Reachability = ReachabilityInitializing
		existing.LastError = ""
		created = true
	}
	existing.UpdatedAt = now

	// Re-key when the player ID resolved for an address-only entry.
	if newKey := existing.Key(); newKey != key {
		delete(r.devices, key)
		r.devices[newKey] = existing
	}

	r.publishUpdatedLocked(existing)
	return created, nil
}

// findForUpsertLocked locates the entry an upsert should merge into, or nil
// when the record is new. Caller holds the write lock.
func (r *Registry) findForUpsertLocked(incoming Device) (*Device, Key, error) {
	if d, ok := r.devices[incoming.Key()]; ok {
		return d, incoming.Key(), nil
	}

	// Identity may have resolved (or been dropped) between sweeps: match
	// on address and reconcile the player ID.
	for k, d := range r.devices {
		if d.Address != incoming.Address {
			continue
		}
		if d.Identity.PlayerID != "" && incoming.Identity.PlayerID != "" &&
			d.Identity.PlayerID != incoming.Identity.PlayerID {
			return nil, Key{}, ErrIdentityConflict
		}
		return d, k, nil
	}
	return nil, Key{}, nil
}

// mergeIdentity overwrites dst fields with non-empty src values.
func mergeIdentity(dst *Identity, src Identity) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Serial != "" {
		dst.Serial = src.Serial
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
	if src.PlayerID != "" {
		dst.PlayerID = src.PlayerID
	}
}

// Get retrieves a device by identity key.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Get(key Key) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.devices[key]; ok {
		return d.Clone(), nil
	}
	return nil, ErrNotFound
}

// GetByAddress retrieves a device by network address, regardless of whether
// its player ID has resolved yet.
func (r *Registry) GetByAddress(address string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d := r.byAddressLocked(address); d != nil {
		return d.Clone(), nil
	}
	return nil, ErrNotFound
}

// List returns a snapshot of all devices. The snapshot is an independent
// copy: later registry mutations do not affect it and vice versa.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.Clone())
	}
	return out
}

// Count returns the number of devices in the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Remove deletes a device. The owning poller observes the removal through
// its next registry write failing with ErrNotFound.
func (r *Registry) Remove(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[key]; !ok {
		return ErrNotFound
	}
	delete(r.devices, key)
	r.bus.Publish(events.Event{Kind: events.KindDeviceRemoved, Payload: key})
	r.logger.Info("device removed", "address", key.Address, "player_id", key.PlayerID)
	return nil
}

// SetPlayState records the transport state observed by a successful
// play-state read. Creates the playback record on first success.
func (r *Registry) SetPlayState(key Key, state PlayState) error {
	if !ValidPlayState(state) {
		return ErrInvalidPlayState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return ErrNotFound
	}
	if d.Playback == nil {
		d.Playback = &PlaybackState{}
	}
	d.Playback.PlayState = state
	d.UpdatedAt = time.Now().UTC()
	r.publishUpdatedLocked(d)
	return nil
}

// SetVolume records the volume level observed by a successful volume read.
// Creates the playback record on first success.
func (r *Registry) SetVolume(key Key, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return ErrInvalidVolume
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return ErrNotFound
	}
	if d.Playback == nil {
		d.Playback = &PlaybackState{}
	}
	v := volume
	d.Playback.Volume = &v
	d.UpdatedAt = time.Now().UTC()
	r.publishUpdatedLocked(d)
	return nil
}

// SetReachability updates the liveness classification of a device,
// enforcing the monotone transition rules. lastError is recorded on the
// device when non-empty (set when demoting to Unreachable).
func (r *Registry) SetReachability(key Key, state Reachability, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return ErrNotFound
	}
	if !validTransition(d.Reachability, state) {
		r.logger.Warn("rejected reachability transition",
			"address", d.Address,
			"from", d.Reachability,
			"to", state,
		)
		return ErrInvalidTransition
	}
	if d.Reachability == state && lastError == "" {
		return nil
	}
	d.Reachability = state
	if lastError != "" {
		d.LastError = lastError
	}
	d.UpdatedAt = time.Now().UTC()
	r.publishUpdatedLocked(d)
	return nil
}

// SetLastError records the most recent failure for a device without
// touching reachability.
func (r *Registry) SetLastError(key Key, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return ErrNotFound
	}
	d.LastError = message
	d.UpdatedAt = time.Now().UTC()
	r.publishUpdatedLocked(d)
	return nil
}

// Stats summarises registry contents for monitoring.
type Stats struct {
	TotalDevices   int                  `json:"total_devices"`
	ByReachability map[Reachability]int `json:"by_reachability"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.devices),
		ByReachability: make(map[Reachability]int),
	}
	for _, d := range r.devices {
		stats.ByReachability[d.Reachability]++
	}
	return stats
}

// byAddressLocked finds the entry for an address. Caller holds a lock.
func (r *Registry) byAddressLocked(address string) *Device {
	for _, d := range r.devices {
		if d.Address == address {
			return d
		}
	}
	return nil
}

// publishUpdatedLocked emits a DeviceUpdated event carrying a snapshot.
// Called with the write lock held so event order matches mutation order;
// Publish only enqueues and never blocks.
func (r *Registry) publishUpdatedLocked(d *Device) {
	r.bus.Publish(events.Event{Kind: events.KindDeviceUpdated, Payload: *d.Clone()})
}
