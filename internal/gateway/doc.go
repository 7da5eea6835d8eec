// Package gateway provides the Command Gateway for Sonata Core.
//
// The gateway is the single path for all outbound device requests: status
// polls and user-issued commands alike. It enforces one in-flight request
// per device address, applies the per-request timeout, and classifies
// every outcome into the engine's failure taxonomy:
//
//   - Result: the command succeeded; payload attached.
//   - *ProtocolError: the device received and rejected the command. The
//     device stays reachable.
//   - *TransportError: the device never answered (refused, reset, timed
//     out). Feeds the device's consecutive-failure counter.
//
// The wire protocol itself lives behind the Requester interface; the
// gateway neither knows nor cares whether that is the HEOS CLI protocol,
// a test double, or something else entirely.
package gateway
