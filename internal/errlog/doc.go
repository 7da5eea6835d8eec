// Package errlog provides the bounded, cross-boundary error log for
// Sonata Core.
//
// Every engine component (discovery, gateway, pollers) appends structured
// failure events here; presentation shells consume the log through
// snapshots and fan-out events. The log is a fixed-capacity ring buffer:
// the most recent failures are always available, the oldest are silently
// evicted, and an append can never fail or block the engine.
package errlog
