package poller

import (
	"context"
	"sync"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/errlog"
)

// Supervisor owns the set of running pollers, one per reachable device.
//
// The discovery coordinator asks it to Ensure a lifecycle for each newly
// created device; removal and shutdown stop lifecycles cooperatively. The
// supervisor also implements gateway.ReachabilitySink so transport
// failures from user-issued commands feed the owning poller's
// consecutive-failure counter.
type Supervisor struct {
	registry *device.Registry
	sender   Sender
	errors   *errlog.Log
	cfg      Config
	logger   Logger
	metrics  MetricsSink

	mu      sync.Mutex
	pollers map[device.Key]*Poller
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSupervisor creates a supervisor. Start must be called before Ensure.
func NewSupervisor(registry *device.Registry, sender Sender, errors *errlog.Log, cfg Config) *Supervisor {
	return &Supervisor{
		registry: registry,
		sender:   sender,
		errors:   errors,
		cfg:      cfg.withDefaults(),
		logger:   noopLogger{},
		pollers:  make(map[device.Key]*Poller),
	}
}

// SetLogger sets the logger for the supervisor and its pollers.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics wires the poll-outcome counter. Optional; pollers started
// after the call report outcomes.
func (s *Supervisor) SetMetrics(metrics MetricsSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

// Start binds the supervisor to its root context. Pollers started later
// inherit it; cancelling ctx stops them all.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
}

// Ensure starts a polling lifecycle for the device unless one is already
// running. Finished pollers (unreachable, stopped) are replaced: a
// rediscovered device gets a fresh lifecycle.
func (s *Supervisor) Ensure(key device.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.logger.Warn("supervisor not started, ignoring ensure", "address", key.Address)
		return
	}

	if existing, ok := s.pollers[key]; ok {
		select {
		case <-existing.Done():
			// Lifecycle ended; fall through and replace it.
		default:
			return
		}
	}

	p := newPoller(key, s.registry, s.sender, s.errors, s.cfg, s.logger, s.metrics, s.reap)
	s.pollers[key] = p
	p.start(s.ctx)
	s.logger.Debug("poller started", "address", key.Address, "player_id", key.PlayerID)
}

// Stop ends the lifecycle for one device, if present. Cooperative: an
// in-flight poll completes and its result is discarded.
func (s *Supervisor) Stop(key device.Key) {
	s.mu.Lock()
	p, ok := s.pollers[key]
	s.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// StopAll cancels every lifecycle and waits for them to end.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		<-p.Done()
	}
}

// Get returns the poller for a key, when one is tracked.
func (s *Supervisor) Get(key device.Key) (*Poller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[key]
	return p, ok
}

// Count returns the number of tracked pollers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// OnTransportFailure implements gateway.ReachabilitySink: a transport
// failure on a user command counts against the owning device exactly like
// a failed poll.
func (s *Supervisor) OnTransportFailure(address string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pollers {
		if key.Address == address {
			select {
			case <-p.Done():
				// Lifecycle already over, nothing to account against.
			default:
				p.NoteTransportFailure()
			}
			return
		}
	}
}

// reap drops a finished poller from the table unless it has already been
// replaced by a newer lifecycle for the same key.
func (s *Supervisor) reap(p *Poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.pollers[p.key]; ok && current == p {
		delete(s.pollers, p.key)
	}
}
