package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/gateway"
)

// Commands issued by one logical poll. The protocol layer normalizes the
// payloads: get_volume answers {"level": int}, get_play_state answers
// {"state": "playing"|"paused"|"stopped"}.
const (
	CommandGetVolume    = "player/get_volume"
	CommandGetPlayState = "player/get_play_state"
)

// Defaults applied when the configuration leaves fields zero.
const (
	DefaultInterval         = 5 * time.Second
	DefaultFailureThreshold = 3
)

// State is the observable lifecycle state of a poller.
type State string

// Poller states.
const (
	// StateIdle means the poller is waiting for the next interval tick.
	StateIdle State = "idle"

	// StatePolling means a status fetch is in progress.
	StatePolling State = "polling"

	// StateUnreachable means the device failed beyond the threshold and
	// the lifecycle ended. Terminal until rediscovery spawns a new poller.
	StateUnreachable State = "unreachable"

	// StateStopped means the lifecycle ended without demotion (device
	// removed or engine shutting down).
	StateStopped State = "stopped"
)

// Config controls poll scheduling and failure demotion.
type Config struct {
	// Interval is the fixed period between polls: the device-status
	// freshness window.
	Interval time.Duration

	// FailureThreshold is the number of consecutive failed polls after
	// which the device is demoted to Unreachable.
	FailureThreshold int
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Sender is the slice of the command gateway the poller uses.
type Sender interface {
	Send(ctx context.Context, address, command string, params gateway.Params) (gateway.Result, error)
}

// MetricsSink counts poll outcomes. *metrics.Metrics satisfies it.
type MetricsSink interface {
	IncPoll(outcome string)
}

// Outcome labels reported to the metrics sink.
const (
	pollOutcomeSuccess = "success"
	pollOutcomeFailure = "failure"
)

// Logger defines the logging interface used by pollers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Poller owns the polling lifecycle of a single device. It fetches volume
// and play state on a fixed interval, applies results to the registry
// field by field, and demotes the device to Unreachable after the
// configured number of consecutive failures.
//
// A poller runs as one goroutine and ends itself when the device is
// demoted, the device disappears from the registry, or its context is
// cancelled. It is never reused: rediscovery creates a fresh instance.
type Poller struct {
	key      device.Key
	registry *device.Registry
	sender   Sender
	errors   *errlog.Log
	cfg      Config
	logger   Logger
	metrics  MetricsSink
	onExit   func(*Poller)

	// failures counts consecutive failed polls. External transport
	// failures (user commands through the gateway) feed it too.
	failures atomic.Int32

	stateMu sync.RWMutex
	state   State

	cancel context.CancelFunc
	done   chan struct{}
}

// newPoller wires a poller without starting it. Supervisor use only.
func newPoller(key device.Key, registry *device.Registry, sender Sender, errors *errlog.Log, cfg Config, logger Logger, metrics MetricsSink, onExit func(*Poller)) *Poller {
	return &Poller{
		key:      key,
		registry: registry,
		sender:   sender,
		errors:   errors,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		onExit:   onExit,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// start launches the polling goroutine.
func (p *Poller) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.run(ctx)
}

// Key returns the identity key of the polled device.
func (p *Poller) Key() device.Key { return p.key }

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// Stop requests cooperative termination. An in-flight poll completes and
// its result is discarded if the device was removed meanwhile. Stop does
// not wait; use Done to observe completion.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed when the lifecycle has fully ended.
func (p *Poller) Done() <-chan struct{} { return p.done }

// NoteTransportFailure records a transport failure observed outside the
// poll loop (a user command that timed out). It advances the same
// consecutive-failure accounting; demotion itself happens on the poll
// schedule.
func (p *Poller) NoteTransportFailure() {
	p.failures.Add(1)
}

// run is the poller main loop: immediate first poll, then fixed-interval
// ticks until the lifecycle ends.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if p.onExit != nil {
			p.onExit(p)
		}
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if !p.pollOnce(ctx) {
			return
		}
		p.setState(StateIdle)

		select {
		case <-ctx.Done():
			p.setState(StateStopped)
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs one logical poll (volume read + play-state read) and
// applies the outcome. Returns false when the lifecycle must end.
func (p *Poller) pollOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		p.setState(StateStopped)
		return false
	}
	p.setState(StatePolling)

	// Mark the sub-fetches as poll traffic so the gateway does not also
	// report their transport failures to the reachability sink. One
	// failed poll must advance the counter by exactly one.
	ctx = gateway.WithPollOrigin(ctx)

	removed := false
	var pollErr error

	// The two sub-fetches are sequential against the same per-device
	// gateway slot and independently failable: a partial success keeps
	// whichever sub-value landed.
	if err := p.fetchVolume(ctx); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			removed = true
		} else {
			pollErr = err
		}
	}
	if !removed {
		if err := p.fetchPlayState(ctx); err != nil {
			if errors.Is(err, device.ErrNotFound) {
				removed = true
			} else if pollErr == nil {
				pollErr = err
			}
		}
	}

	if removed {
		// Device gone from the registry: discard the result, end quietly.
		p.logger.Debug("device removed mid-poll, stopping", "address", p.key.Address)
		p.setState(StateStopped)
		return false
	}

	if pollErr == nil {
		p.countOutcome(pollOutcomeSuccess)
		p.failures.Store(0)
		if err := p.registry.SetReachability(p.key, device.ReachabilityReady, ""); err != nil {
			if errors.Is(err, device.ErrNotFound) {
				p.setState(StateStopped)
				return false
			}
			p.logger.Warn("reachability update failed", "address", p.key.Address, "error", err)
		}
		return true
	}

	p.countOutcome(pollOutcomeFailure)
	return p.handleFailure(pollErr)
}

// handleFailure advances the consecutive-failure counter and demotes the
// device once the threshold is reached. Returns false when demoted.
func (p *Poller) handleFailure(pollErr error) bool {
	count := int(p.failures.Add(1))
	p.logger.Debug("poll failed",
		"address", p.key.Address,
		"consecutive_failures", count,
		"threshold", p.cfg.FailureThreshold,
		"error", pollErr,
	)

	if count < p.cfg.FailureThreshold {
		return true
	}

	message := fmt.Sprintf("device unreachable after %d consecutive failures: %v", count, pollErr)
	if err := p.registry.SetReachability(p.key, device.ReachabilityUnreachable, message); err != nil &&
		!errors.Is(err, device.ErrNotFound) {
		p.logger.Warn("demotion failed", "address", p.key.Address, "error", err)
	}
	p.errors.Append(errlog.Entry{
		Message: "device demoted to unreachable",
		Detail:  pollErr.Error(),
		Address: p.key.Address,
	})
	p.logger.Info("device unreachable, poller stopping",
		"address", p.key.Address,
		"failures", count,
	)
	p.setState(StateUnreachable)
	return false
}

// fetchVolume reads the device volume and applies it to the registry.
func (p *Poller) fetchVolume(ctx context.Context) error {
	res, err := p.sender.Send(ctx, p.key.Address, CommandGetVolume, p.params())
	if err != nil {
		return err
	}
	level, err := payloadInt(res.Payload, "level")
	if err != nil {
		return p.badPayload(CommandGetVolume, err)
	}
	return p.registry.SetVolume(p.key, level)
}

// fetchPlayState reads the transport state and applies it to the registry.
func (p *Poller) fetchPlayState(ctx context.Context) error {
	res, err := p.sender.Send(ctx, p.key.Address, CommandGetPlayState, p.params())
	if err != nil {
		return err
	}
	state, err := payloadString(res.Payload, "state")
	if err != nil {
		return p.badPayload(CommandGetPlayState, err)
	}
	return p.registry.SetPlayState(p.key, device.PlayState(state))
}

// countOutcome reports one logical poll outcome to the metrics sink.
func (p *Poller) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.IncPoll(outcome)
	}
}

// badPayload records a malformed response; it counts as a poll failure.
func (p *Poller) badPayload(command string, err error) error {
	p.errors.Append(errlog.Entry{
		Message: "malformed status payload",
		Detail:  err.Error(),
		Address: p.key.Address,
		Command: command,
	})
	return err
}

// params carries the player ID when identity has resolved.
func (p *Poller) params() gateway.Params {
	if p.key.PlayerID == "" {
		return nil
	}
	return gateway.Params{"pid": p.key.PlayerID}
}

func (p *Poller) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// payloadInt extracts an integer field from a normalized payload map.
func payloadInt(payload any, field string) (int, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("payload is %T, want object", payload)
	}
	switch v := m[field].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("payload field %q is %T, want number", field, m[field])
	}
}

// payloadString extracts a string field from a normalized payload map.
func payloadString(payload any, field string) (string, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", fmt.Errorf("payload is %T, want object", payload)
	}
	s, ok := m[field].(string)
	if !ok {
		return "", fmt.Errorf("payload field %q is %T, want string", field, m[field])
	}
	return s, nil
}
