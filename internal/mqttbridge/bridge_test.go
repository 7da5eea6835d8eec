package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/discovery"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/events"
	"github.com/sonatahub/sonata-core/internal/gateway"
	"github.com/sonatahub/sonata-core/internal/infrastructure/config"
	"github.com/sonatahub/sonata-core/internal/infrastructure/mqtt"
)

// ═══════════════════════════════════════════════════════════════════
// Test Doubles
// ═══════════════════════════════════════════════════════════════════

type publishRecord struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes and captures subscription handlers so
// tests can inject inbound messages without a broker.
type fakeClient struct {
	mu           sync.Mutex
	published    []publishRecord
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	subscribeErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishRecord{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

// deliver invokes the handler registered for the subscription filter.
func (f *fakeClient) deliver(t *testing.T, filter, topic string, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[filter]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %q", filter)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler(%q) returned error: %v", topic, err)
	}
}

// records returns a snapshot of publishes matching the topic, or all
// publishes when topic is empty.
func (f *fakeClient) records(topic string) []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == "" {
		return append([]publishRecord(nil), f.published...)
	}
	var out []publishRecord
	for _, rec := range f.published {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

// fakeEngine captures the bus handler on Subscribe and scripts command
// and sweep behaviour.
type fakeEngine struct {
	mu         sync.Mutex
	handler    events.Handler
	detached   bool
	commands   []string
	addresses  []string
	cmdResult  gateway.Result
	cmdErr     error
	discovered chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{discovered: make(chan struct{}, 1)}
}

func (f *fakeEngine) Subscribe(h events.Handler) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.detached = true
		f.mu.Unlock()
	}
}

func (f *fakeEngine) SendCommand(_ context.Context, address, command string, _ gateway.Params) (gateway.Result, error) {
	f.mu.Lock()
	f.addresses = append(f.addresses, address)
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	return f.cmdResult, f.cmdErr
}

func (f *fakeEngine) Discover(context.Context) (discovery.Summary, error) {
	select {
	case f.discovered <- struct{}{}:
	default:
	}
	return discovery.Summary{}, nil
}

// emit pushes an event through the captured bus handler.
func (f *fakeEngine) emit(t *testing.T, ev events.Event) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		t.Fatal("bridge never subscribed to the engine")
	}
	handler(ev)
}

func startBridge(t *testing.T) (*Bridge, *fakeClient, *fakeEngine) {
	t.Helper()
	client := newFakeClient()
	eng := newFakeEngine()
	cfg := config.MQTTConfig{TopicPrefix: "sonata", QoS: 1}
	b := New(client, eng, cfg)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(b.Close)
	return b, client, eng
}

// ═══════════════════════════════════════════════════════════════════
// Outbound Relay Tests
// ═══════════════════════════════════════════════════════════════════

func TestDeviceUpdatePublishedRetained(t *testing.T) {
	_, client, eng := startBridge(t)

	d := device.Device{
		Address:      "192.168.1.50",
		Identity:     device.Identity{PlayerID: "101", Name: "Kitchen"},
		Reachability: device.ReachabilityReady,
	}
	eng.emit(t, events.Event{Kind: events.KindDeviceUpdated, Payload: d})

	recs := client.records("sonata/state/players/192.168.1.50")
	if len(recs) != 1 {
		t.Fatalf("state publishes = %d, want 1", len(recs))
	}
	if !recs[0].retained {
		t.Error("state publish should be retained")
	}

	var got device.Device
	if err := json.Unmarshal(recs[0].payload, &got); err != nil {
		t.Fatalf("unmarshal state payload: %v", err)
	}
	if got.Identity.Name != "Kitchen" || got.Identity.PlayerID != "101" {
		t.Errorf("state payload identity = %+v", got.Identity)
	}
}

func TestDeviceRemovalClearsRetainedState(t *testing.T) {
	_, client, eng := startBridge(t)

	eng.emit(t, events.Event{
		Kind:    events.KindDeviceRemoved,
		Payload: device.Key{Address: "192.168.1.50", PlayerID: "101"},
	})

	states := client.records("sonata/state/players/192.168.1.50")
	if len(states) != 1 {
		t.Fatalf("state publishes = %d, want 1 clear", len(states))
	}
	if !states[0].retained || len(states[0].payload) != 0 {
		t.Errorf("expected empty retained clear, got retained=%v payload=%q", states[0].retained, states[0].payload)
	}

	removed := client.records("sonata/removed/players/192.168.1.50")
	if len(removed) != 1 {
		t.Fatalf("removal publishes = %d, want 1", len(removed))
	}
	var notice map[string]string
	if err := json.Unmarshal(removed[0].payload, &notice); err != nil {
		t.Fatalf("unmarshal removal payload: %v", err)
	}
	if notice["address"] != "192.168.1.50" {
		t.Errorf("removal address = %q", notice["address"])
	}
}

func TestDiscoverySummaryPublished(t *testing.T) {
	_, client, eng := startBridge(t)

	eng.emit(t, events.Event{
		Kind:    events.KindDiscoveryCompleted,
		Payload: discovery.Summary{Reported: 3, Created: 1, Removed: 0, Took: 250 * time.Millisecond},
	})

	recs := client.records("sonata/discovery")
	if len(recs) != 1 {
		t.Fatalf("discovery publishes = %d, want 1", len(recs))
	}
	var summary discovery.Summary
	if err := json.Unmarshal(recs[0].payload, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Reported != 3 || summary.Created != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestErrorEntryPublished(t *testing.T) {
	_, client, eng := startBridge(t)

	eng.emit(t, events.Event{
		Kind:    events.KindErrorAppended,
		Payload: errlog.Entry{ID: "err-1", Message: "poll failed", Detail: "connection refused"},
	})

	recs := client.records("sonata/errors")
	if len(recs) != 1 {
		t.Fatalf("error publishes = %d, want 1", len(recs))
	}
	var entry errlog.Entry
	if err := json.Unmarshal(recs[0].payload, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Message != "poll failed" {
		t.Errorf("entry.Message = %q", entry.Message)
	}
}

func TestUnmappedEventsIgnored(t *testing.T) {
	_, client, eng := startBridge(t)

	eng.emit(t, events.Event{Kind: events.KindErrorLogCleared})

	if recs := client.records(""); len(recs) != 0 {
		t.Errorf("expected no publishes, got %d", len(recs))
	}
}

// ═══════════════════════════════════════════════════════════════════
// Inbound Command Tests
// ═══════════════════════════════════════════════════════════════════

func TestCommandDispatchedToEngine(t *testing.T) {
	_, client, eng := startBridge(t)
	eng.cmdResult = gateway.Result{Payload: map[string]any{"level": float64(45)}}

	body, _ := json.Marshal(commandMessage{
		Command: "set_volume",
		Params:  gateway.Params{"level": "45"},
	})
	client.deliver(t, "sonata/command/players/+", "sonata/command/players/10.0.0.5", body)

	eng.mu.Lock()
	commands, addresses := eng.commands, eng.addresses
	eng.mu.Unlock()
	if len(commands) != 1 || commands[0] != "set_volume" {
		t.Fatalf("commands = %v", commands)
	}
	if addresses[0] != "10.0.0.5" {
		t.Errorf("address = %q", addresses[0])
	}

	recs := client.records("sonata/result/players/10.0.0.5")
	if len(recs) != 1 {
		t.Fatalf("result publishes = %d, want 1", len(recs))
	}
	var res commandResult
	if err := json.Unmarshal(recs[0].payload, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.OK || res.Command != "set_volume" {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandFailureReportedOnResultTopic(t *testing.T) {
	_, client, eng := startBridge(t)
	eng.cmdErr = errors.New("device unreachable")

	body, _ := json.Marshal(commandMessage{Command: "play"})
	client.deliver(t, "sonata/command/players/+", "sonata/command/players/10.0.0.5", body)

	recs := client.records("sonata/result/players/10.0.0.5")
	if len(recs) != 1 {
		t.Fatalf("result publishes = %d, want 1", len(recs))
	}
	var res commandResult
	if err := json.Unmarshal(recs[0].payload, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "unreachable") {
		t.Errorf("result = %+v", res)
	}
}

func TestMalformedCommandRejectedWithoutDispatch(t *testing.T) {
	_, client, eng := startBridge(t)

	client.deliver(t, "sonata/command/players/+", "sonata/command/players/10.0.0.5", []byte("{not json"))

	eng.mu.Lock()
	dispatched := len(eng.commands)
	eng.mu.Unlock()
	if dispatched != 0 {
		t.Errorf("engine received %d commands, want 0", dispatched)
	}

	recs := client.records("sonata/result/players/10.0.0.5")
	if len(recs) != 1 {
		t.Fatalf("result publishes = %d, want 1", len(recs))
	}
	var res commandResult
	if err := json.Unmarshal(recs[0].payload, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.OK || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	_, client, eng := startBridge(t)

	client.deliver(t, "sonata/command/players/+", "sonata/command/players/10.0.0.5", []byte(`{"params":{"level":"10"}}`))

	eng.mu.Lock()
	dispatched := len(eng.commands)
	eng.mu.Unlock()
	if dispatched != 0 {
		t.Errorf("engine received %d commands, want 0", dispatched)
	}

	recs := client.records("sonata/result/players/10.0.0.5")
	if len(recs) != 1 {
		t.Fatalf("result publishes = %d, want 1", len(recs))
	}
}

func TestDiscoveryTriggerStartsSweep(t *testing.T) {
	_, client, eng := startBridge(t)

	client.deliver(t, "sonata/discovery/trigger", "sonata/discovery/trigger", nil)

	select {
	case <-eng.discovered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never started after trigger")
	}
}

// ═══════════════════════════════════════════════════════════════════
// Lifecycle Tests
// ═══════════════════════════════════════════════════════════════════

func TestStartFailsWhenSubscribeFails(t *testing.T) {
	client := newFakeClient()
	client.subscribeErr = errors.New("not connected")
	eng := newFakeEngine()

	b := New(client, eng, config.MQTTConfig{TopicPrefix: "sonata", QoS: 1})
	if err := b.Start(); err == nil {
		t.Fatal("Start() should fail when subscribe fails")
	}

	eng.mu.Lock()
	detached := eng.detached
	eng.mu.Unlock()
	if !detached {
		t.Error("failed Start() should detach from the engine bus")
	}
}

func TestCloseDetachesFromEngineAndBroker(t *testing.T) {
	client := newFakeClient()
	eng := newFakeEngine()

	b := New(client, eng, config.MQTTConfig{TopicPrefix: "sonata", QoS: 1})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	b.Close()

	eng.mu.Lock()
	detached := eng.detached
	eng.mu.Unlock()
	if !detached {
		t.Error("Close() should detach from the engine bus")
	}

	client.mu.Lock()
	unsubs := append([]string(nil), client.unsubscribed...)
	client.mu.Unlock()
	if len(unsubs) != 2 {
		t.Fatalf("unsubscribed topics = %v, want 2 entries", unsubs)
	}
}
