package voice

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected     = errors.New("voice: not connected")
	ErrAlreadyConnected = errors.New("voice: session already open")
	ErrClosed           = errors.New("voice: manager closed")
)

// CapabilityError a required audio or streaming feature is missing.
type CapabilityError struct {
	Missing []string
	Cause   error
}

func (e *CapabilityError) Error() string {
	msg := "missing capabilities: " + strings.Join(e.Missing, ", ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() error {
	return e.Cause
}

// ConnectionError the backend could not be reached or refused the session.
type ConnectionError struct {
	Reason       string
	Unauthorized bool
	Timeout      bool
	Cause        error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connect: %s: %v", e.Reason, e.Cause)
	}
	return "connect: " + e.Reason
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// RecordingError capture could not start.
type RecordingError struct {
	Reason string
	Cause  error
}

func (e *RecordingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("recording: %s: %v", e.Reason, e.Cause)
	}
	return "recording: " + e.Reason
}

func (e *RecordingError) Unwrap() error {
	return e.Cause
}

// userMessage human-readable text for the presentation layer.
func userMessage(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		switch {
		case ce.Unauthorized:
			return "Authentication with the speech service failed. Check the API key."
		case ce.Timeout:
			return "The speech service did not respond in time."
		default:
			return "Could not connect to the speech service."
		}
	}
	var re *RecordingError
	if errors.As(err, &re) {
		return "The microphone could not be started: " + re.Reason + "."
	}
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return "This device cannot run voice sessions (missing " + strings.Join(capErr.Missing, ", ") + ")."
	}
	return err.Error()
}
