package heos

import "errors"

var (
	// ErrMalformed indicates a response that could not be parsed as a
	// protocol envelope.
	ErrMalformed = errors.New("heos: malformed response")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("heos: client closed")
)
