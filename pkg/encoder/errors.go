package encoder

import "errors"

// Sentinel errors for frame encoding.
var (
	// ErrRenderContextUnavailable is returned when the drawing surface cannot be acquired.
	// It only fails the current capture attempt.
	ErrRenderContextUnavailable = errors.New("encoder: render context unavailable")

	// ErrSourceNotReady is returned when the source is not producing frames yet.
	ErrSourceNotReady = errors.New("encoder: source not producing frames")

	// ErrInvalidSize is returned for non-positive target dimensions.
	ErrInvalidSize = errors.New("encoder: width and height must be positive")

	// ErrUnsupportedFormat is returned for an unknown output format.
	ErrUnsupportedFormat = errors.New("encoder: unsupported format")
)
