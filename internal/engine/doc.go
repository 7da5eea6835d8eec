// Package engine is the single facade every presentation shell consumes.
//
// HTTP handlers, the websocket stream and the MQTT bridge all talk to
// the Engine and nothing below it: discovery, the device registry, the
// command gateway, pollers, the error log and the event bus stay behind
// this one contract. Adding a new shell means consuming this package,
// not reimplementing device logic.
package engine
