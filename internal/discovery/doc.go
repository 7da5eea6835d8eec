// Package discovery enumerates playback devices on the network and
// reconciles the results into the device registry.
//
// A Coordinator runs at most one sweep at a time: concurrent Discover
// calls attach to the in-flight sweep and receive its result instead of
// queueing another. Each sweep asks every configured Provider for
// candidate devices, merges the reports by address, resolves identity
// best-effort through the command gateway, and upserts the outcome.
// Newly created registry entries get a polling lifecycle.
//
// Devices that a sweep does not report are retained with their last
// known state; the remove-missing policy can be enabled in configuration
// to prune them instead.
package discovery
