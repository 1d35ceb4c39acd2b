package registration

import (
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned by NewBackend for an unrecognized backend
// name. It fires before any external computation starts.
var ErrUnknownBackend = errors.New("unknown registration backend")

// ErrUnknownProfile is returned by LookupProfile for an unrecognized
// profile name. It fires before any external computation starts.
var ErrUnknownProfile = errors.New("unknown registration profile")

// Error reports a failed external registration. Registration failures are
// fatal and never retried; the pipeline halts at the stage that saw one.
type Error struct {
	// Backend names the backend that failed ("classical" or "alternative")
	Backend string

	// Stderr holds the solver's captured diagnostics, if any
	Stderr string

	// Err is the underlying execution error
	Err error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s registration failed: %s", e.Backend, e.Stderr)
	}
	return fmt.Sprintf("%s registration failed: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
