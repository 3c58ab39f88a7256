package api

import (
	"errors"
	"fmt"
)

// ErrRemoteRequestFailed matches every failed REST call.
var ErrRemoteRequestFailed = errors.New("api: remote request failed")

// RequestError describes a failed REST call: a transport failure
// (StatusCode 0) or a non-2xx response.
type RequestError struct {
	Method string
	Path   string

	// StatusCode is the HTTP status code, 0 when no response arrived.
	StatusCode int

	// Message is the server's error message, if it sent one.
	Message string

	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("api: %s %s: %v", e.Method, e.Path, e.Err)
	case e.Message != "":
		return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap returns the underlying transport error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is reports a RequestError as ErrRemoteRequestFailed.
func (e *RequestError) Is(target error) bool {
	return target == ErrRemoteRequestFailed
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *RequestError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsNotFound returns true if the resource was not found (HTTP 404).
func (e *RequestError) IsNotFound() bool {
	return e.StatusCode == 404
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *RequestError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true for transport failures, 429 and 5xx.
func (e *RequestError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.IsServerError()
}

func retryable(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.IsRetryable()
}
