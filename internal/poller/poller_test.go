package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/gateway"
)

// scriptedSender answers poll commands from a mutable script.
type scriptedSender struct {
	mu       sync.Mutex
	volume   func() (gateway.Result, error)
	state    func() (gateway.Result, error)
	requests atomic.Int64
}

func okVolume(level int) func() (gateway.Result, error) {
	return func() (gateway.Result, error) {
		return gateway.Result{Payload: map[string]any{"level": level}}, nil
	}
}

func okState(state device.PlayState) func() (gateway.Result, error) {
	return func() (gateway.Result, error) {
		return gateway.Result{Payload: map[string]any{"state": string(state)}}, nil
	}
}

func fail() (gateway.Result, error) {
	return gateway.Result{}, &gateway.TransportError{Err: errors.New("connection timed out")}
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{
		volume: okVolume(30),
		state:  okState(device.PlayStateStopped),
	}
}

func (s *scriptedSender) set(volume, state func() (gateway.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if volume != nil {
		s.volume = volume
	}
	if state != nil {
		s.state = state
	}
}

func (s *scriptedSender) Send(_ context.Context, _, command string, _ gateway.Params) (gateway.Result, error) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch command {
	case CommandGetVolume:
		return s.volume()
	case CommandGetPlayState:
		return s.state()
	default:
		return gateway.Result{}, errors.New("unexpected command " + command)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testSetup(t *testing.T, sender Sender) (*device.Registry, *Supervisor, device.Key) {
	t.Helper()
	registry := device.NewRegistry()
	key := device.Key{Address: "10.0.0.5", PlayerID: "p1"}
	if _, err := registry.Upsert(device.Device{
		Address:  key.Address,
		Identity: device.Identity{PlayerID: key.PlayerID},
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	sup := NewSupervisor(registry, sender, errlog.New(20), Config{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 3,
	})
	sup.Start(context.Background())
	t.Cleanup(sup.StopAll)
	return registry, sup, key
}

func TestSuccessfulPollSetsPlaybackAndReady(t *testing.T) {
	sender := newScriptedSender()
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)

	waitFor(t, time.Second, func() bool {
		d, err := registry.Get(key)
		return err == nil && d.Reachability == device.ReachabilityReady
	})

	d, _ := registry.Get(key)
	if d.Playback == nil {
		t.Fatal("Playback = nil after successful poll")
	}
	if d.Playback.Volume == nil || *d.Playback.Volume != 30 {
		t.Error("volume not applied")
	}
	if d.Playback.PlayState != device.PlayStateStopped {
		t.Errorf("PlayState = %q, want stopped", d.Playback.PlayState)
	}
}

func TestConsecutiveFailuresDemoteToUnreachable(t *testing.T) {
	sender := newScriptedSender()
	sender.set(fail, fail)
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	p, ok := sup.Get(key)
	if !ok {
		t.Fatal("poller not tracked after Ensure")
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after threshold failures")
	}

	d, err := registry.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Reachability != device.ReachabilityUnreachable {
		t.Errorf("Reachability = %q, want unreachable", d.Reachability)
	}
	if d.LastError == "" {
		t.Error("LastError not set on demotion")
	}
	if d.Playback != nil {
		t.Error("Playback set without any successful poll")
	}
	if p.State() != StateUnreachable {
		t.Errorf("State() = %q, want unreachable", p.State())
	}

	// No further requests after the lifecycle ended.
	settled := sender.requests.Load()
	time.Sleep(60 * time.Millisecond)
	if n := sender.requests.Load(); n != settled {
		t.Errorf("poller issued %d requests after stopping", n-settled)
	}
}

func TestPartialPollCountsFailureButKeepsValue(t *testing.T) {
	sender := newScriptedSender()
	sender.set(okVolume(55), fail) // volume lands, play state fails
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	p, _ := sup.Get(key)

	// Three partial failures demote the device...
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not demote on repeated partial failures")
	}

	d, _ := registry.Get(key)
	if d.Reachability != device.ReachabilityUnreachable {
		t.Errorf("Reachability = %q, want unreachable", d.Reachability)
	}
	// ...but the sub-value that succeeded is retained.
	if d.Playback == nil || d.Playback.Volume == nil || *d.Playback.Volume != 55 {
		t.Error("successful volume sub-fetch was not retained")
	}
	if d.Playback != nil && d.Playback.PlayState != "" {
		t.Errorf("PlayState = %q, want empty", d.Playback.PlayState)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	sender := newScriptedSender()
	sender.set(fail, fail)
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	p, _ := sup.Get(key)

	// Let two failures accumulate, then recover before the threshold.
	waitFor(t, time.Second, func() bool { return p.failures.Load() == 2 })
	sender.set(okVolume(10), okState(device.PlayStatePlaying))

	waitFor(t, time.Second, func() bool {
		d, err := registry.Get(key)
		return err == nil && d.Reachability == device.ReachabilityReady
	})
	if p.failures.Load() != 0 {
		t.Errorf("failure counter = %d after success, want 0", p.failures.Load())
	}

	// Two fresh failures must not demote: the counter restarted.
	sender.set(fail, fail)
	waitFor(t, time.Second, func() bool { return p.failures.Load() == 2 })
	d, _ := registry.Get(key)
	if d.Reachability != device.ReachabilityReady {
		t.Errorf("Reachability = %q, want ready below threshold", d.Reachability)
	}
}

func TestRemovalStopsPollerAndDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	sender := newScriptedSender()
	sender.set(func() (gateway.Result, error) {
		<-release // hold the poll in flight
		return gateway.Result{Payload: map[string]any{"level": 70}}, nil
	}, okState(device.PlayStatePlaying))
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	waitFor(t, time.Second, func() bool { return sender.requests.Load() >= 1 })

	// Remove the device while its poll is in flight, then let it finish.
	if err := registry.Remove(key); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	close(release)

	p, ok := sup.Get(key)
	if ok {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not stop after device removal")
		}
	}

	// The late result was discarded: the device never reappears.
	if _, err := registry.Get(key); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if n := len(registry.List()); n != 0 {
		t.Errorf("List() has %d devices, want 0", n)
	}
}

func TestExternalTransportFailuresShareCounter(t *testing.T) {
	sender := newScriptedSender()
	registry, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	waitFor(t, time.Second, func() bool {
		d, err := registry.Get(key)
		return err == nil && d.Reachability == device.ReachabilityReady
	})

	// Two user-command transport failures, then failing polls: the next
	// failed poll crosses the threshold immediately.
	sup.OnTransportFailure(key.Address, errors.New("timeout"))
	sup.OnTransportFailure(key.Address, errors.New("timeout"))
	sender.set(fail, fail)

	waitFor(t, 2*time.Second, func() bool {
		d, err := registry.Get(key)
		return err == nil && d.Reachability == device.ReachabilityUnreachable
	})
}

// timeoutRequester fails every request at the transport level and counts
// them, standing in for a device that stopped answering.
type timeoutRequester struct {
	requests atomic.Int64
}

func (r *timeoutRequester) Request(context.Context, string, string, gateway.Params) (gateway.Result, error) {
	r.requests.Add(1)
	return gateway.Result{}, &gateway.TransportError{Err: errors.New("connection timed out")}
}

func TestWiredGatewayDemotesOnlyAfterThresholdPolls(t *testing.T) {
	registry := device.NewRegistry()
	key := device.Key{Address: "10.0.0.5", PlayerID: "p1"}
	if _, err := registry.Upsert(device.Device{
		Address:  key.Address,
		Identity: device.Identity{PlayerID: key.PlayerID},
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Full production wiring: poll traffic flows through the gateway and
	// the supervisor is the gateway's reachability sink.
	errs := errlog.New(50)
	req := &timeoutRequester{}
	gw := gateway.New(req, errs, time.Second)
	sup := NewSupervisor(registry, gw, errs, Config{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 3,
	})
	gw.SetReachabilitySink(sup)
	sup.Start(context.Background())
	t.Cleanup(sup.StopAll)

	sup.Ensure(key)
	p, ok := sup.Get(key)
	if !ok {
		t.Fatal("poller not tracked after Ensure")
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after threshold failures")
	}

	d, err := registry.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Reachability != device.ReachabilityUnreachable {
		t.Errorf("Reachability = %q, want unreachable", d.Reachability)
	}

	// Each logical poll issues two sub-fetches. Demotion on the third
	// failed poll therefore means exactly six requests: a sub-fetch
	// failure must advance the counter once per poll, not once per
	// request and once more through the sink.
	if n := req.requests.Load(); n != 6 {
		t.Errorf("device demoted after %d requests, want 6 (3 polls)", n)
	}
}

// countingMetrics records poll outcomes by label.
type countingMetrics struct {
	success atomic.Int64
	failure atomic.Int64
}

func (c *countingMetrics) IncPoll(outcome string) {
	switch outcome {
	case "success":
		c.success.Add(1)
	case "failure":
		c.failure.Add(1)
	}
}

func TestPollOutcomesReachMetricsSink(t *testing.T) {
	sender := newScriptedSender()
	registry, sup, key := testSetup(t, sender)

	counts := &countingMetrics{}
	sup.SetMetrics(counts)

	sup.Ensure(key)
	waitFor(t, time.Second, func() bool {
		d, err := registry.Get(key)
		return err == nil && d.Reachability == device.ReachabilityReady
	})
	waitFor(t, time.Second, func() bool { return counts.success.Load() >= 1 })

	sender.set(fail, fail)
	waitFor(t, time.Second, func() bool { return counts.failure.Load() >= 1 })
}

func TestSupervisorEnsureIsIdempotent(t *testing.T) {
	sender := newScriptedSender()
	_, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	first, _ := sup.Get(key)
	sup.Ensure(key)
	second, _ := sup.Get(key)

	if first != second {
		t.Error("Ensure() replaced a live poller")
	}
	if sup.Count() != 1 {
		t.Errorf("Count() = %d, want 1", sup.Count())
	}
}

func TestSupervisorReplacesFinishedPoller(t *testing.T) {
	sender := newScriptedSender()
	sender.set(fail, fail)
	_, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	first, _ := sup.Get(key)
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first lifecycle did not end")
	}

	sender.set(okVolume(20), okState(device.PlayStatePaused))
	sup.Ensure(key)
	second, ok := sup.Get(key)
	if !ok {
		t.Fatal("no poller after re-Ensure")
	}
	if first == second {
		t.Error("finished poller was not replaced")
	}
}

func TestStopAllWaitsForLifecycles(t *testing.T) {
	sender := newScriptedSender()
	_, sup, key := testSetup(t, sender)

	sup.Ensure(key)
	p, _ := sup.Get(key)
	sup.StopAll()

	select {
	case <-p.Done():
	default:
		t.Error("StopAll() returned before the poller finished")
	}
}
