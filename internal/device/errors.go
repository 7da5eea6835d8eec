package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an identity key or address does not
	// exist in the registry.
	ErrNotFound = errors.New("device: not found")

	// ErrIdentityConflict is returned when an upsert would create a second
	// entry for an address whose protocol-assigned player ID differs from
	// the one already recorded. The conflicting write is rejected rather
	// than corrupting the registry.
	ErrIdentityConflict = errors.New("device: identity key conflict")

	// ErrInvalidVolume is returned when a volume level is outside [0,100].
	ErrInvalidVolume = errors.New("device: volume out of range")

	// ErrInvalidPlayState is returned when a play state value is not
	// recognised.
	ErrInvalidPlayState = errors.New("device: invalid play state")

	// ErrInvalidTransition is returned when a reachability update would
	// violate the monotone transition rules, e.g. Unreachable back to
	// Ready without an intervening discovery sweep.
	ErrInvalidTransition = errors.New("device: invalid reachability transition")

	// ErrInvalidAddress is returned when a device address is empty.
	ErrInvalidAddress = errors.New("device: invalid address")
)
