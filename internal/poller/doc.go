// Package poller provides the per-device status polling lifecycle for
// Sonata Core.
//
// Each reachable device gets one Poller goroutine that fetches volume and
// play state through the command gateway on a fixed interval and applies
// results to the device registry. The lifecycle is a small state machine:
//
//	Idle --interval elapsed--> Polling
//	Polling --success--> Idle            (playback updated, Ready, counter reset)
//	Polling --failure--> Idle            (below threshold; reachability unchanged)
//	Polling --failure at threshold--> Unreachable (terminal until rediscovery)
//	any --device removed / shutdown--> Stopped
//
// Cancellation is cooperative: removal stops a poller at the next tick
// boundary, and an in-flight poll that completes after removal finds its
// registry writes rejected with ErrNotFound and discards the result.
//
// The Supervisor tracks all lifecycles and doubles as the gateway's
// reachability sink, so transport failures on user-issued commands share
// the consecutive-failure accounting with polls.
package poller
