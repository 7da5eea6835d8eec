package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway package.
var (
	// ErrProtocol is the class sentinel for device-reported rejections.
	// Matchable via errors.Is against any *ProtocolError.
	ErrProtocol = errors.New("gateway: protocol failure")

	// ErrTransport is the class sentinel for unreachable-device and
	// timeout failures. Matchable via errors.Is against any
	// *TransportError.
	ErrTransport = errors.New("gateway: transport failure")
)

// ProtocolError means the command reached the device and the device
// rejected it. The device stays reachable; the failure is returned to the
// caller and logged, nothing more.
type ProtocolError struct {
	// Code is the device-reported error identifier, when present.
	Code int

	// Message is the device-reported rejection text.
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol failure %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("protocol failure: %s", e.Message)
}

// Is lets errors.Is(err, ErrProtocol) match any protocol failure.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TransportError means the command never completed against the device:
// connection refused, reset, or request timeout. Transport failures feed
// the device's consecutive-failure counter and can demote it to
// Unreachable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match any transport failure.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
