// Package device acquires live video sources.
//
// Acquiring a device is the only operation in a stream session that may wait
// for user or OS consent. A refused or failed acquisition is reported as
// ErrPermissionDenied so the session can stop with a user-visible state.
package device

import (
	"context"
	"errors"

	"github.com/isoai/isoai-client/pkg/encoder"
)

// Sentinel errors.
var (
	// ErrPermissionDenied is returned when the device cannot be acquired.
	ErrPermissionDenied = errors.New("device: permission denied")

	// ErrDeviceClosed is returned when reading from a released track.
	ErrDeviceClosed = errors.New("device: track released")

	// ErrDeviceRevoked is returned when the OS or user took the device away
	// while it was in use.
	ErrDeviceRevoked = errors.New("device: revoked")
)

// Track is an acquired, exclusively owned video source.
type Track interface {
	encoder.Source

	// Close releases the underlying device. Safe to call more than once.
	Close() error
}

// Device can be acquired for streaming.
type Device interface {
	// Acquire opens the device. It blocks until the device is ready,
	// permission is refused, or ctx ends.
	Acquire(ctx context.Context) (Track, error)

	// Name identifies the device for logs.
	Name() string
}
