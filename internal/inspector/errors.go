package inspector

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTreeKind  = errors.New("inspector: unknown tree kind")
	ErrMalformedPayload = errors.New("inspector: malformed payload")
	ErrListenerPanic    = errors.New("inspector: listener panic")

	// errUnavailable marks a call whose extension never became available.
	// It never leaves the package.
	errUnavailable = errors.New("inspector: extension unavailable")
)

// RemoteError is a call that reached the target and came back with an error
// payload. It is surfaced as is and never retried.
type RemoteError struct {
	Method  string
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("inspector: %s -- %s (code %d)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("inspector: %s -- %s", e.Method, e.Message)
}

// IsRemoteError reports whether err carries a remote error payload.
func IsRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
