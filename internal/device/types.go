package device

import "time"

// Device represents a networked audio playback endpoint known to the
// registry: a speaker, amplifier, or receiver discovered on the LAN.
type Device struct {
	// Address is the network endpoint the device was discovered at.
	// Unique within a discovery epoch.
	Address string `json:"address"`

	// Identity holds descriptive attributes resolved from the device.
	// May be partially or fully empty immediately after discovery.
	Identity Identity `json:"identity"`

	// Reachability is the coarse liveness classification, distinct from
	// playback state.
	Reachability Reachability `json:"reachability"`

	// Playback is the last observed playback state. Nil until at least
	// one poll of this device has succeeded. Fields are individually
	// optional: a partially successful poll fills in only what it read.
	Playback *PlaybackState `json:"playback,omitempty"`

	// LastError describes the most recent failure for this device, if any.
	LastError string `json:"last_error,omitempty"`

	// Timestamps
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity holds the protocol-reported attributes of a device.
type Identity struct {
	Name     string `json:"name,omitempty"`
	Model    string `json:"model,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Version  string `json:"version,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
}

// Key is the composite identity key used to deduplicate devices across
// repeated discovery sweeps. It is a value-equality struct, usable as a
// map key, rather than a concatenated string: address and player ID can
// never collide ambiguously.
type Key struct {
	// Address is the network endpoint identifier.
	Address string `json:"address"`

	// PlayerID is the protocol-assigned device identifier. Empty until
	// identity resolution succeeds; the key then falls back to address
	// alone.
	PlayerID string `json:"player_id,omitempty"`
}

// Key returns the identity key for the device.
func (d *Device) Key() Key {
	return Key{Address: d.Address, PlayerID: d.Identity.PlayerID}
}

// Clone creates an independent copy of the Device so registry snapshots
// cannot be mutated by callers.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Playback != nil {
		cpy.Playback = d.Playback.Clone()
	}
	return &cpy
}

// PlaybackState is the last observed play/volume state of a device.
//
// Each field is independently optional because the two sub-fetches of a
// poll (volume read, play-state read) can fail independently; the registry
// keeps whichever value succeeded last.
type PlaybackState struct {
	// PlayState is the transport state. Empty until a play-state read
	// has succeeded.
	PlayState PlayState `json:"play_state,omitempty"`

	// Volume is the device volume level in [0,100]. Nil until a volume
	// read has succeeded.
	Volume *int `json:"volume,omitempty"`
}

// Clone creates an independent copy of the PlaybackState.
func (p *PlaybackState) Clone() *PlaybackState {
	if p == nil {
		return nil
	}
	cpy := *p
	if p.Volume != nil {
		v := *p.Volume
		cpy.Volume = &v
	}
	return &cpy
}

// PlayState represents the transport state of a device.
type PlayState string

// PlayState constants.
const (
	PlayStatePlaying PlayState = "playing"
	PlayStatePaused  PlayState = "paused"
	PlayStateStopped PlayState = "stopped"
)

// AllPlayStates returns all valid play state values.
func AllPlayStates() []PlayState {
	return []PlayState{PlayStatePlaying, PlayStatePaused, PlayStateStopped}
}

// ValidPlayState reports whether s is a recognised play state.
func ValidPlayState(s PlayState) bool {
	switch s {
	case PlayStatePlaying, PlayStatePaused, PlayStateStopped:
		return true
	default:
		return false
	}
}

// Reachability represents the coarse liveness classification of a device.
type Reachability string

// Reachability constants.
const (
	// ReachabilityInitializing is the state of a freshly discovered
	// device before its first successful poll.
	ReachabilityInitializing Reachability = "initializing"

	// ReachabilityReady means the most recent poll succeeded.
	ReachabilityReady Reachability = "ready"

	// ReachabilityUnreachable means the device failed beyond the
	// consecutive-failure threshold. Terminal until rediscovered.
	ReachabilityUnreachable Reachability = "unreachable"
)

// AllReachabilities returns all valid reachability values.
func AllReachabilities() []Reachability {
	return []Reachability{ReachabilityInitializing, ReachabilityReady, ReachabilityUnreachable}
}

// Volume bounds.
const (
	MinVolume = 0
	MaxVolume = 100
)

// validTransition reports whether reachability may move from one state to
// another through a poller or gateway update. Leaving Unreachable is only
// possible through a discovery re-upsert, never through SetReachability.
func validTransition(from, to Reachability) bool {
	if from == to {
		return true
	}
	switch from {
	case ReachabilityInitializing:
		return to == ReachabilityReady || to == ReachabilityUnreachable
	case ReachabilityReady:
		return to == ReachabilityUnreachable
	case ReachabilityUnreachable:
		return false
	default:
		return false
	}
}
