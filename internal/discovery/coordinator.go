package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/events"
)

// Resolver resolves descriptive identity for one address after
// enumeration. Best-effort: the coordinator tolerates failures and keeps
// the device keyed by address alone until a later sweep resolves it.
type Resolver interface {
	Resolve(ctx context.Context, address string) (device.Identity, error)
}

// PollerControl is the slice of the poller supervisor the coordinator
// drives: start a lifecycle for a new device, stop one for a pruned
// device.
type PollerControl interface {
	Ensure(key device.Key)
	Stop(key device.Key)
}

// Logger defines the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Event) {}

// Summary is the outcome of one sweep, also carried by the
// DiscoveryCompleted event.
type Summary struct {
	// Reported is the number of distinct addresses providers returned.
	Reported int `json:"reported"`

	// Created is how many registry entries the sweep newly created or
	// revived; each one got a fresh polling lifecycle.
	Created int `json:"created"`

	// Removed counts entries pruned under the remove-missing policy.
	Removed int `json:"removed"`

	// Took is the sweep duration.
	Took time.Duration `json:"took"`
}

// Config controls sweep behavior.
type Config struct {
	// RemoveMissing prunes registry entries that the latest sweep did
	// not report. Off by default: a single missed sweep does not forget
	// a device.
	RemoveMissing bool

	// ResolveTimeout bounds each per-address identity resolution.
	ResolveTimeout time.Duration
}

const defaultResolveTimeout = 3 * time.Second

func (c Config) withDefaults() Config {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	return c
}

// Coordinator runs discovery sweeps and reconciles their results into
// the registry. At most one sweep is in flight; callers that arrive
// while one runs attach to it.
type Coordinator struct {
	providers []Provider
	registry  *device.Registry
	resolver  Resolver
	pollers   PollerControl
	errors    *errlog.Log
	bus       events.Publisher
	cfg       Config
	logger    Logger

	mu       sync.Mutex
	inflight *sweep
}

// sweep is one in-flight enumeration; joiners wait on done.
type sweep struct {
	done    chan struct{}
	summary Summary
	err     error
}

// NewCoordinator creates a coordinator over the given providers.
func NewCoordinator(providers []Provider, registry *device.Registry, resolver Resolver, pollers PollerControl, errors *errlog.Log, cfg Config) *Coordinator {
	return &Coordinator{
		providers: providers,
		registry:  registry,
		resolver:  resolver,
		pollers:   pollers,
		errors:    errors,
		bus:       noopPublisher{},
		cfg:       cfg.withDefaults(),
		logger:    noopLogger{},
	}
}

// SetLogger sets the coordinator logger.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetPublisher sets the event bus for sweep-completed notifications.
func (c *Coordinator) SetPublisher(bus events.Publisher) {
	c.bus = bus
}

// Discover runs one sweep, or attaches to the sweep already in flight
// and returns its result. A second concurrent call never starts a second
// network enumeration.
//
// The initiating call runs the sweep to completion regardless of its
// context; ctx only bounds how long a joining caller waits.
func (c *Coordinator) Discover(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if s := c.inflight; s != nil {
		c.mu.Unlock()
		select {
		case <-s.done:
			return s.summary, s.err
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	s := &sweep{done: make(chan struct{})}
	c.inflight = s
	c.mu.Unlock()

	s.summary, s.err = c.runSweep(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(s.done)

	return s.summary, s.err
}

// runSweep enumerates, merges, resolves and reconciles. Only a total
// provider failure is a sweep failure; it leaves the registry untouched.
func (c *Coordinator) runSweep(ctx context.Context) (Summary, error) {
	start := time.Now()
	c.logger.Info("discovery sweep starting", "providers", len(c.providers))

	merged, err := c.enumerate(ctx)
	if err != nil {
		c.errors.Append(errlog.Entry{
			Message: "discovery sweep failed",
			Detail:  err.Error(),
		})
		c.logger.Warn("discovery sweep failed", "error", err)
		return Summary{}, &SweepError{Err: err}
	}

	summary := Summary{Reported: len(merged)}
	for _, f := range merged {
		if c.upsertFound(ctx, f) {
			summary.Created++
		}
	}
	if c.cfg.RemoveMissing {
		summary.Removed = c.pruneMissing(merged)
	}
	summary.Took = time.Since(start)

	c.logger.Info("discovery sweep complete",
		"reported", summary.Reported,
		"created", summary.Created,
		"removed", summary.Removed,
		"took", summary.Took,
	)
	c.bus.Publish(events.Event{
		Kind:    events.KindDiscoveryCompleted,
		Time:    time.Now().UTC(),
		Payload: summary,
	})
	return summary, nil
}

// enumerate runs every provider and merges reports by address. Partial
// provider failure is tolerated when at least one provider answered; the
// failures still land in the error log.
func (c *Coordinator) enumerate(ctx context.Context) (map[string]Found, error) {
	merged := make(map[string]Found)
	var failures []error
	answered := false

	for _, p := range c.providers {
		found, err := p.Discover(ctx)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		answered = true
		for _, f := range found {
			if f.Address == "" {
				continue
			}
			mergeFound(merged, f)
		}
	}

	if !answered {
		if len(failures) > 0 {
			return nil, errors.Join(failures...)
		}
		return nil, errors.New("no providers configured")
	}
	for _, err := range failures {
		c.errors.Append(errlog.Entry{
			Message: "discovery provider failed",
			Detail:  err.Error(),
		})
		c.logger.Warn("discovery provider failed", "error", err)
	}
	return merged, nil
}

// mergeFound folds a report into the per-address merge, filling fields
// an earlier provider left empty.
func mergeFound(merged map[string]Found, f Found) {
	existing, ok := merged[f.Address]
	if !ok {
		merged[f.Address] = f
		return
	}
	if existing.Name == "" {
		existing.Name = f.Name
	}
	if existing.Model == "" {
		existing.Model = f.Model
	}
	if existing.Serial == "" {
		existing.Serial = f.Serial
	}
	if existing.Version == "" {
		existing.Version = f.Version
	}
	merged[f.Address] = existing
}

// upsertFound resolves identity for one report and writes it to the
// registry. Returns true when the entry is newly created (or revived
// from Unreachable) and a polling lifecycle was started.
func (c *Coordinator) upsertFound(ctx context.Context, f Found) bool {
	identity := device.Identity{
		Name:    f.Name,
		Model:   f.Model,
		Serial:  f.Serial,
		Version: f.Version,
	}
	if c.resolver != nil {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveTimeout)
		resolved, err := c.resolver.Resolve(rctx, f.Address)
		cancel()
		if err != nil {
			c.logger.Debug("identity resolution failed", "address", f.Address, "error", err)
		} else {
			if resolved.PlayerID != "" {
				identity.PlayerID = resolved.PlayerID
			}
			if resolved.Name != "" {
				identity.Name = resolved.Name
			}
			if resolved.Model != "" {
				identity.Model = resolved.Model
			}
			if resolved.Serial != "" {
				identity.Serial = resolved.Serial
			}
			if resolved.Version != "" {
				identity.Version = resolved.Version
			}
		}
	}

	d := device.Device{
		Address:      f.Address,
		Identity:     identity,
		Reachability: device.ReachabilityInitializing,
	}
	created, err := c.registry.Upsert(d)
	if err != nil {
		c.errors.Append(errlog.Entry{
			Message: "discovery upsert rejected",
			Detail:  err.Error(),
			Address: f.Address,
		})
		c.logger.Warn("discovery upsert rejected", "address", f.Address, "error", err)
		return false
	}
	if created {
		c.pollers.Ensure(d.Key())
	}
	return created
}

// pruneMissing removes registry entries the sweep did not report.
func (c *Coordinator) pruneMissing(merged map[string]Found) int {
	removed := 0
	for _, d := range c.registry.List() {
		if _, ok := merged[d.Address]; ok {
			continue
		}
		key := d.Key()
		c.pollers.Stop(key)
		if err := c.registry.Remove(key); err != nil {
			if !errors.Is(err, device.ErrNotFound) {
				c.logger.Warn("prune failed", "address", d.Address, "error", err)
			}
			continue
		}
		c.logger.Info("device pruned, absent from sweep", "address", d.Address)
		removed++
	}
	return removed
}
