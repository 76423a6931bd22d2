package focus

import "errors"

var (
	// ErrNotLeader is returned when a mutating call is made from a client
	// that does not currently hold leadership for the session.
	ErrNotLeader = errors.New("not the session leader")

	// ErrNoSession is returned when an operation requires an active session
	// and none exists.
	ErrNoSession = errors.New("no active session")

	// ErrNotRunning is returned when the coordinator has not been started
	// or has already shut down.
	ErrNotRunning = errors.New("coordinator is not running")

	// ErrInvalidDuration is returned when a session is started with a
	// non-positive duration.
	ErrInvalidDuration = errors.New("session duration must be positive")
)
