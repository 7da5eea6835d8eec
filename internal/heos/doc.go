// Package heos implements the device-control protocol spoken by Sonata
// playback endpoints: a line-oriented TCP exchange on port 1255 where
// requests look like heos://player/get_volume?pid=5 terminated by CRLF
// and responses are one-line JSON envelopes.
//
// Client keeps one cached connection per device address and validates it
// with a heart_beat exchange before reuse, redialing when the device
// dropped it. It implements the command gateway's Requester contract:
// device-reported rejections come back as protocol errors, socket and
// deadline problems as plain errors the gateway classifies as transport
// failures. The gateway's per-address serialization means a cached
// connection is never used by two requests at once.
//
// Responses are normalized before they leave this package, so callers
// never see wire quirks like status values riding the message field
// instead of the payload.
package heos
