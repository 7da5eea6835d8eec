// Package mqttbridge mirrors the device engine onto the MQTT bus.
//
// Outbound, it relays engine events to the broker:
//   - device snapshots to sonata/state/players/{address} (retained)
//   - removal notices to sonata/removed/players/{address}
//   - sweep summaries to sonata/discovery
//   - error log entries to sonata/errors
//
// Inbound, it accepts commands on sonata/command/players/{address} and
// discovery triggers on sonata/discovery/trigger, reporting command
// outcomes on sonata/result/players/{address}.
//
// The bridge is optional. When MQTT is disabled in configuration the
// engine runs identically without it; the HTTP API and WebSocket feed
// remain the primary surfaces.
package mqttbridge
