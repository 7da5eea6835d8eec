// Package device provides the Device Registry for Sonata Core.
//
// The registry is the single source of truth for the set of known audio
// playback devices and their last observed state. Discovery creates
// entries, per-device status pollers and the command gateway update them,
// and every presentation shell reads consistent snapshots from it.
//
// # Key Types
//
//   - Device: a networked playback endpoint with identity, reachability,
//     and optional playback state
//   - Key: value-equality composite identity key (address + player ID)
//     used to deduplicate devices across discovery sweeps
//   - Registry: thread-safe in-memory store enforcing the state invariants
//
// # Invariants
//
//   - At most one device per identity key at any time; a conflicting
//     upsert is rejected with ErrIdentityConflict instead of corrupting
//     the store.
//   - Playback state exists only after at least one successful poll.
//   - Volume is always within [0,100].
//   - Reachability moves only along Initializing→Ready,
//     Initializing→Unreachable, Ready→Unreachable; the only way out of
//     Unreachable is a discovery sweep re-upserting the device.
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All reads return deep copies,
// so a List() snapshot never shows a partially written device.
package device
