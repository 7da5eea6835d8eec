package engine

import (
	"context"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/discovery"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/events"
	"github.com/sonatahub/sonata-core/internal/gateway"
	"github.com/sonatahub/sonata-core/internal/history"
	"github.com/sonatahub/sonata-core/internal/poller"
)

// Commands with post-success registry effects. A confirmed mutation is
// applied immediately instead of waiting for the next poll.
const (
	commandSetVolume    = "player/set_volume"
	commandSetPlayState = "player/set_play_state"
)

// Logger defines the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Params carries the wired components. Registry, Coordinator, Gateway,
// Supervisor, Errors and Bus are required; History is optional and
// disables command auditing when nil.
type Params struct {
	Registry    *device.Registry
	Coordinator *discovery.Coordinator
	Gateway     *gateway.Gateway
	Supervisor  *poller.Supervisor
	Errors      *errlog.Log
	Bus         *events.Bus
	History     history.Repository
	Logger      Logger
}

// Engine is the presentation-facing facade over the device core.
type Engine struct {
	registry    *device.Registry
	coordinator *discovery.Coordinator
	gateway     *gateway.Gateway
	supervisor  *poller.Supervisor
	errors      *errlog.Log
	bus         *events.Bus
	history     history.Repository
	logger      Logger
}

// New assembles the facade. Components must already be wired to the
// shared event bus.
func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		registry:    p.Registry,
		coordinator: p.Coordinator,
		gateway:     p.Gateway,
		supervisor:  p.Supervisor,
		errors:      p.Errors,
		bus:         p.Bus,
		history:     p.History,
		logger:      logger,
	}
}

// Start binds poller lifecycles to ctx. Cancelling ctx stops them all.
func (e *Engine) Start(ctx context.Context) {
	e.supervisor.Start(ctx)
}

// Shutdown stops every polling lifecycle and waits for them to end. The
// event bus is closed by the owner that created it.
func (e *Engine) Shutdown() {
	e.supervisor.StopAll()
}

// Discover runs one discovery sweep, or attaches to the sweep already in
// flight.
func (e *Engine) Discover(ctx context.Context) (discovery.Summary, error) {
	return e.coordinator.Discover(ctx)
}

// ListDevices returns a snapshot of every known device.
func (e *Engine) ListDevices() []device.Device {
	return e.registry.List()
}

// GetDevice returns the device at the given address.
func (e *Engine) GetDevice(address string) (*device.Device, error) {
	return e.registry.GetByAddress(address)
}

// SendCommand issues one command to the device at the given address,
// serialized against all other traffic to that device. The outcome is
// recorded to command history best-effort, and confirmed state
// mutations are applied to the registry immediately.
func (e *Engine) SendCommand(ctx context.Context, address, command string, params gateway.Params) (gateway.Result, error) {
	d, err := e.registry.GetByAddress(address)
	if err != nil {
		return gateway.Result{}, err
	}
	if _, ok := params["pid"]; !ok && d.Identity.PlayerID != "" {
		withPID := make(gateway.Params, len(params)+1)
		for k, v := range params {
			withPID[k] = v
		}
		withPID["pid"] = d.Identity.PlayerID
		params = withPID
	}

	res, sendErr := e.gateway.Send(ctx, address, command, params)
	e.record(ctx, d, command, sendErr)
	if sendErr != nil {
		return gateway.Result{}, sendErr
	}

	e.applyConfirmed(d.Key(), command, res)
	return res, nil
}

// record appends the command outcome to history. Auditing never fails a
// command.
func (e *Engine) record(ctx context.Context, d *device.Device, command string, sendErr error) {
	if e.history == nil {
		return
	}
	entry := &history.Entry{
		Address:    d.Address,
		DeviceName: d.Identity.Name,
		Command:    command,
	}
	if sendErr != nil {
		entry.Result = history.ResultError
		entry.Error = sendErr.Error()
	}
	if err := e.history.Record(ctx, entry); err != nil {
		e.logger.Warn("command history record failed", "address", d.Address, "error", err)
	}
}

// applyConfirmed folds a device-confirmed mutation into the registry.
func (e *Engine) applyConfirmed(key device.Key, command string, res gateway.Result) {
	payload, ok := res.Payload.(map[string]any)
	if !ok {
		return
	}
	switch command {
	case commandSetVolume:
		level, ok := payload["level"].(int)
		if !ok {
			return
		}
		if err := e.registry.SetVolume(key, level); err != nil {
			e.logger.Debug("confirmed volume not applied", "address", key.Address, "error", err)
		}
	case commandSetPlayState:
		state, ok := payload["state"].(string)
		if !ok {
			return
		}
		if err := e.registry.SetPlayState(key, device.PlayState(state)); err != nil {
			e.logger.Debug("confirmed play state not applied", "address", key.Address, "error", err)
		}
	}
}

// RemoveDevice deletes the device at the given address and ends its
// polling lifecycle. The in-flight poll, if any, completes and its
// result is discarded.
func (e *Engine) RemoveDevice(address string) error {
	d, err := e.registry.GetByAddress(address)
	if err != nil {
		return err
	}
	key := d.Key()
	e.supervisor.Stop(key)
	return e.registry.Remove(key)
}

// Subscribe registers a handler for every event. The returned function
// unsubscribes.
func (e *Engine) Subscribe(h events.Handler) func() {
	return e.bus.Subscribe(h)
}

// SubscribeDevices registers a handler for device lifecycle events only.
func (e *Engine) SubscribeDevices(h events.Handler) func() {
	return e.subscribeKinds(h, events.KindDeviceUpdated, events.KindDeviceRemoved)
}

// SubscribeErrors registers a handler for error log events only.
func (e *Engine) SubscribeErrors(h events.Handler) func() {
	return e.subscribeKinds(h, events.KindErrorAppended, events.KindErrorLogCleared)
}

func (e *Engine) subscribeKinds(h events.Handler, kinds ...events.Kind) func() {
	return e.bus.Subscribe(func(ev events.Event) {
		for _, k := range kinds {
			if ev.Kind == k {
				h(ev)
				return
			}
		}
	})
}

// ErrorLog returns the retained error entries, oldest first.
func (e *Engine) ErrorLog() []errlog.Entry {
	return e.errors.List()
}

// ClearErrorLog empties the error log.
func (e *Engine) ClearErrorLog() {
	e.errors.Clear()
}

// CommandHistory returns the most recent command audit entries. Returns
// an empty slice when auditing is disabled.
func (e *Engine) CommandHistory(ctx context.Context, limit int) ([]history.Entry, error) {
	if e.history == nil {
		return []history.Entry{}, nil
	}
	return e.history.Recent(ctx, limit)
}

// Stats summarizes registry state for health surfaces.
func (e *Engine) Stats() device.Stats {
	return e.registry.GetStats()
}
