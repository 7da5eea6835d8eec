package discovery

import (
	"errors"
	"fmt"
)

// ErrSweep matches sweep-level discovery failures via errors.Is. A failed
// sweep never mutates the registry; it is retried only by the next
// explicit Discover call.
var ErrSweep = errors.New("discovery: sweep failed")

// SweepError wraps the underlying cause of a failed sweep.
type SweepError struct {
	Err error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("discovery: sweep failed: %v", e.Err)
}

func (e *SweepError) Unwrap() error { return e.Err }

// Is reports ErrSweep so callers can classify without the concrete type.
func (e *SweepError) Is(target error) bool { return target == ErrSweep }
