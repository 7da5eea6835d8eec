package mqtt

import "fmt"

// DefaultTopicPrefix is the root of the Sonata topic hierarchy when the
// configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "sonata"

// Topics provides builders for Sonata MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// The zero value uses the default prefix. Construct with the configured
// prefix to honour a deployment-specific hierarchy:
//
//	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
//	stateTopic := topics.PlayerState("192.168.1.50")
//	// Returns: "sonata/state/players/192.168.1.50"
type Topics struct {
	Prefix string
}

func (t Topics) base() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// =============================================================================
// Player Topics
// =============================================================================

// PlayerState returns the topic for a player's live state snapshot.
// Published retained so new subscribers immediately see current state.
//
// Example: sonata/state/players/192.168.1.50
func (t Topics) PlayerState(address string) string {
	return fmt.Sprintf("%s/state/players/%s", t.base(), address)
}

// PlayerCommand returns the topic on which commands for a player arrive.
//
// Example: sonata/command/players/192.168.1.50
func (t Topics) PlayerCommand(address string) string {
	return fmt.Sprintf("%s/command/players/%s", t.base(), address)
}

// PlayerResult returns the topic on which command outcomes are reported.
//
// Example: sonata/result/players/192.168.1.50
func (t Topics) PlayerResult(address string) string {
	return fmt.Sprintf("%s/result/players/%s", t.base(), address)
}

// PlayerRemoved returns the topic announcing a player left the registry.
//
// Example: sonata/removed/players/192.168.1.50
func (t Topics) PlayerRemoved(address string) string {
	return fmt.Sprintf("%s/removed/players/%s", t.base(), address)
}

// =============================================================================
// Engine Topics
// =============================================================================

// Discovery returns the topic for discovery sweep summaries.
//
// Example: sonata/discovery
func (t Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery", t.base())
}

// DiscoveryTrigger returns the topic that requests a discovery sweep.
//
// Example: sonata/discovery/trigger
func (t Topics) DiscoveryTrigger() string {
	return fmt.Sprintf("%s/discovery/trigger", t.base())
}

// Errors returns the topic for engine error log entries.
//
// Example: sonata/errors
func (t Topics) Errors() string {
	return fmt.Sprintf("%s/errors", t.base())
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the service status topic. The online payload and
// the Last Will message are both published here, retained.
//
// Example: sonata/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.base())
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllPlayerStates returns a pattern matching every player state topic.
//
// Pattern: sonata/state/players/+
func (t Topics) AllPlayerStates() string {
	return fmt.Sprintf("%s/state/players/+", t.base())
}

// AllPlayerCommands returns a pattern matching every player command topic.
//
// Pattern: sonata/command/players/+
func (t Topics) AllPlayerCommands() string {
	return fmt.Sprintf("%s/command/players/+", t.base())
}

// AllTopics returns a pattern matching all Sonata topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: sonata/#
func (t Topics) AllTopics() string {
	return fmt.Sprintf("%s/#", t.base())
}
