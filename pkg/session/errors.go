package session

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidState is returned when Start is called on a session that is
	// not idle. Sessions are single use.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrStoppedDuringSetup is returned by Start when Stop won the race.
	ErrStoppedDuringSetup = errors.New("session: stopped during setup")
)

// Stage names the setup step that failed.
type Stage string

const (
	StagePermission Stage = "permission"
	StageConnect    Stage = "connect"
	StageSchedule   Stage = "schedule"
)

// SetupError is returned by Start when the session could not begin streaming.
// The session is Stopped and every resource acquired so far is released.
type SetupError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	return fmt.Sprintf("session: %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Err
}
