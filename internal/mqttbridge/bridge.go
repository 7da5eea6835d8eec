package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/discovery"
	"github.com/sonatahub/sonata-core/internal/errlog"
	"github.com/sonatahub/sonata-core/internal/events"
	"github.com/sonatahub/sonata-core/internal/gateway"
	"github.com/sonatahub/sonata-core/internal/infrastructure/config"
	"github.com/sonatahub/sonata-core/internal/infrastructure/mqtt"
)

const (
	// commandTimeout bounds one MQTT-initiated command roundtrip.
	commandTimeout = 10 * time.Second

	// sweepTimeout bounds an MQTT-triggered discovery sweep.
	sweepTimeout = 60 * time.Second
)

// Client is the broker surface the bridge needs. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Engine is the device-core surface the bridge needs.
type Engine interface {
	Subscribe(h events.Handler) func()
	SendCommand(ctx context.Context, address, command string, params gateway.Params) (gateway.Result, error)
	Discover(ctx context.Context) (discovery.Summary, error)
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// commandMessage is the body expected on the player command topic.
type commandMessage struct {
	Command string         `json:"command"`
	Params  gateway.Params `json:"params,omitempty"`
}

// commandResult is published on the player result topic for every
// command message received, success or failure.
type commandResult struct {
	Command string `json:"command,omitempty"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bridge relays engine events to MQTT and MQTT commands to the engine.
type Bridge struct {
	client      Client
	engine      Engine
	topics      mqtt.Topics
	qos         byte
	logger      Logger
	unsubscribe func()
}

// New creates a bridge bound to the configured topic prefix and QoS.
func New(client Client, engine Engine, cfg config.MQTTConfig) *Bridge {
	return &Bridge{
		client: client,
		engine: engine,
		topics: mqtt.Topics{Prefix: cfg.TopicPrefix},
		qos:    byte(cfg.QoS),
		logger: noopLogger{},
	}
}

// SetLogger replaces the default no-op logger.
func (b *Bridge) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Start attaches the bridge to the engine event bus and subscribes to
// the inbound command and trigger topics.
func (b *Bridge) Start() error {
	b.unsubscribe = b.engine.Subscribe(b.relay)

	if err := b.client.Subscribe(b.topics.AllPlayerCommands(), b.qos, b.handleCommand); err != nil {
		b.detach()
		return fmt.Errorf("subscribing to player commands: %w", err)
	}
	if err := b.client.Subscribe(b.topics.DiscoveryTrigger(), b.qos, b.handleDiscoveryTrigger); err != nil {
		b.detach()
		return fmt.Errorf("subscribing to discovery trigger: %w", err)
	}
	return nil
}

// Close detaches the bridge from the engine and the broker. The MQTT
// client itself is closed by its owner.
func (b *Bridge) Close() {
	b.detach()
	for _, topic := range []string{b.topics.AllPlayerCommands(), b.topics.DiscoveryTrigger()} {
		if err := b.client.Unsubscribe(topic); err != nil {
			b.logger.Debug("mqtt unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) detach() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}

// relay maps engine events onto broker topics.
func (b *Bridge) relay(ev events.Event) {
	switch ev.Kind {
	case events.KindDeviceUpdated:
		d, ok := ev.Payload.(device.Device)
		if !ok {
			return
		}
		b.publishJSON(b.topics.PlayerState(d.Address), d, true)

	case events.KindDeviceRemoved:
		key, ok := ev.Payload.(device.Key)
		if !ok {
			return
		}
		// Empty retained payload clears the stale state for new subscribers.
		if err := b.client.Publish(b.topics.PlayerState(key.Address), nil, b.qos, true); err != nil {
			b.logger.Warn("mqtt state clear failed", "address", key.Address, "error", err)
		}
		b.publishJSON(b.topics.PlayerRemoved(key.Address), map[string]string{"address": key.Address}, false)

	case events.KindDiscoveryCompleted:
		b.publishJSON(b.topics.Discovery(), ev.Payload, false)

	case events.KindErrorAppended:
		entry, ok := ev.Payload.(errlog.Entry)
		if !ok {
			return
		}
		b.publishJSON(b.topics.Errors(), entry, false)
	}
}

// publishJSON marshals and publishes, logging failures instead of
// propagating them; the broker is a best-effort mirror.
func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("mqtt payload marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.client.Publish(topic, data, b.qos, retained); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// handleCommand dispatches one player command from the broker. Outcomes
// are reported on the result topic, never as handler errors.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	address := lastSegment(topic)
	if address == "" {
		return nil
	}

	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.publishJSON(b.topics.PlayerResult(address), commandResult{OK: false, Error: "invalid JSON payload"}, false)
		return nil
	}
	if msg.Command == "" {
		b.publishJSON(b.topics.PlayerResult(address), commandResult{OK: false, Error: "command is required"}, false)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := b.engine.SendCommand(ctx, address, msg.Command, msg.Params)
	result := commandResult{Command: msg.Command, OK: err == nil}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Payload = res.Payload
	}
	b.publishJSON(b.topics.PlayerResult(address), result, false)
	return nil
}

// handleDiscoveryTrigger starts a sweep in the background. The summary
// reaches the broker through the discovery-completed event relay.
func (b *Bridge) handleDiscoveryTrigger(_ string, _ []byte) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := b.engine.Discover(ctx); err != nil {
			b.logger.Warn("mqtt-triggered sweep failed", "error", err)
		}
	}()
	return nil
}

// lastSegment returns the text after the final '/' in a topic.
func lastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
