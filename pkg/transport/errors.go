package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrChannelUnavailable is returned when a frame cannot be handed to the
	// channel: not connected, reconnecting, or the outbound slot is busy.
	ErrChannelUnavailable = errors.New("transport: channel unavailable")

	// ErrClosed is returned when using a channel after Close.
	ErrClosed = errors.New("transport: channel closed")

	// ErrMaxAttempts is returned once the reconnect policy has given up.
	ErrMaxAttempts = errors.New("transport: reconnect attempts exhausted")

	// ErrNoEndpoint is returned when the endpoint is missing.
	ErrNoEndpoint = errors.New("transport: endpoint required")

	// errRemoteClosed means the server ended the session in-band.
	errRemoteClosed = errors.New("transport: closed by server")
)

// DialError describes a failed connection attempt.
type DialError struct {
	// Endpoint is the URL that was dialed.
	Endpoint string

	// StatusCode is the HTTP status of the failed handshake, 0 if none.
	StatusCode int

	Err error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: dial %s failed (status %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: dial %s failed: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Err
}

// Is reports a DialError as ErrChannelUnavailable.
func (e *DialError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

// IsUnauthorized returns true if the handshake was rejected with 401 or 403.
func (e *DialError) IsUnauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
