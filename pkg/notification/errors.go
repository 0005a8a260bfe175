package notification

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull        = errors.New("notification queue full")
	ErrDispatcherClosed = errors.New("notification dispatcher closed")
	ErrRateLimited      = errors.New("notification rate limited for session")
)

// DispatchError a failed delivery to a sink. StatusCode is set for HTTP
// sinks that got a response.
type DispatchError struct {
	Sink       string
	SessionID  string
	StatusCode int
	Cause      error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s dispatch for session %q failed with status %d: %v", e.Sink, e.SessionID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s dispatch for session %q failed: %v", e.Sink, e.SessionID, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}
