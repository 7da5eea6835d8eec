package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sonatahub/sonata-core/internal/errlog"
)

// defaultRequestTimeout bounds a request when the config supplies none.
const defaultRequestTimeout = 5 * time.Second

// Params are the key/value arguments of a device command.
type Params map[string]string

// Result is the successful outcome of a request: the decoded payload the
// device returned, if any.
type Result struct {
	// Payload is the decoded response body. Shape depends on the command
	// (object, array, or nil for bare acknowledgements).
	Payload any
}

// Requester is the opaque RPC boundary to the device-control protocol
// layer. Implementations return *ProtocolError for device-reported
// rejections; any other error is classified as a transport failure.
type Requester interface {
	Request(ctx context.Context, address, command string, params Params) (Result, error)
}

// ReachabilitySink receives transport failures so they can feed the
// per-device consecutive-failure accounting. The poller supervisor
// implements it.
type ReachabilitySink interface {
	OnTransportFailure(address string, err error)
}

// pollOriginKey marks requests issued by the poll loop itself.
type pollOriginKey struct{}

// WithPollOrigin marks ctx as carrying a status-poll request. Transport
// failures of marked requests are logged and recorded but not reported
// to the reachability sink: the poll loop keeps its own consecutive
// failure count, and a sink report would count the same failure twice.
func WithPollOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, pollOriginKey{}, true)
}

func isPollOrigin(ctx context.Context) bool {
	marked, _ := ctx.Value(pollOriginKey{}).(bool)
	return marked
}

// Logger defines the logging interface used by the Gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Gateway serializes outbound requests per device address and classifies
// their outcomes.
//
// At most one request is in flight to a given address at a time: status
// polls and user-issued commands against the same device connection can
// never interleave ambiguously. Requests to different addresses proceed in
// parallel.
//
// Every failure is appended to the error log with the device address and
// command name; transport failures are additionally reported to the
// reachability sink.
type Gateway struct {
	requester Requester
	errors    *errlog.Log
	timeout   time.Duration
	logger    Logger

	mu    sync.Mutex
	slots map[string]*sync.Mutex // per-address single-slot locks
	sink  ReachabilitySink
}

// New creates a gateway over the given protocol requester. requestTimeout
// bounds every request; zero selects the default.
func New(requester Requester, errors *errlog.Log, requestTimeout time.Duration) *Gateway {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Gateway{
		requester: requester,
		errors:    errors,
		timeout:   requestTimeout,
		logger:    noopLogger{},
		slots:     make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger Logger) {
	g.logger = logger
}

// SetReachabilitySink wires the transport-failure consumer. Optional.
func (g *Gateway) SetReachabilitySink(sink ReachabilitySink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// Send issues one command to one device and classifies the outcome.
//
// The call blocks while an earlier request to the same address is in
// flight, then holds the address slot for the duration of its own request.
// The per-request timeout covers waiting time as well: a caller whose
// context expires while queued gets a transport failure without ever
// reaching the device.
func (g *Gateway) Send(ctx context.Context, address, command string, params Params) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	slot := g.slot(address)
	if err := lockSlot(ctx, slot); err != nil {
		return Result{}, g.recordFailure(ctx, address, command, &TransportError{Err: err})
	}
	defer slot.Unlock()

	res, err := g.requester.Request(ctx, address, command, params)
	if err == nil {
		g.logger.Debug("command succeeded", "address", address, "command", command)
		return res, nil
	}

	return Result{}, g.recordFailure(ctx, address, command, classify(err))
}

// classify maps requester errors onto the gateway taxonomy. Protocol
// errors pass through; everything else is a transport failure.
func classify(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Err: err}
}

// recordFailure logs the failure, appends it to the error log, and feeds
// transport failures to the reachability sink. Poll-originated failures
// skip the sink; the poll loop counts them itself. Returns err unchanged.
func (g *Gateway) recordFailure(ctx context.Context, address, command string, err error) error {
	g.logger.Warn("command failed",
		"address", address,
		"command", command,
		"error", err,
	)
	g.errors.Append(errlog.Entry{
		Message: "command failed",
		Detail:  err.Error(),
		Address: address,
		Command: command,
	})

	if errors.Is(err, ErrTransport) && !isPollOrigin(ctx) {
		g.mu.Lock()
		sink := g.sink
		g.mu.Unlock()
		if sink != nil {
			sink.OnTransportFailure(address, err)
		}
	}
	return err
}

// slot returns the single-slot lock for an address, creating it on first
// use. Slots are never removed; the set of addresses is small and bounded
// by discovery.
func (g *Gateway) slot(address string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.slots[address]; ok {
		return m
	}
	m := &sync.Mutex{}
	g.slots[address] = m
	return m
}

// lockSlot acquires the slot or gives up when the context expires while
// waiting behind an earlier request.
func lockSlot(ctx context.Context, slot *sync.Mutex) error {
	acquired := make(chan struct{})
	go func() {
		slot.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// The helper goroutine will still acquire the lock eventually;
		// release it immediately so the slot is not leaked.
		go func() {
			<-acquired
			slot.Unlock()
		}()
		return ctx.Err()
	}
}
