package heartbeat

import (
	"errors"
	"time"
)

// Session errors.
var (
	// ErrStopped is the termination reason of a cancelled session.
	ErrStopped = errors.New("session stopped")

	// ErrNotActive indicates Run was called on a session that is not Active.
	ErrNotActive = errors.New("session not active")

	// ErrAlreadyStarted indicates Connect or Run was called twice.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrRunning indicates Close was called while Run owns the session.
	ErrRunning = errors.New("session is running; cancel its context")
)

// State represents the heartbeat session state.
type State uint8

const (
	// StateIdle indicates the session has not connected yet.
	StateIdle State = iota

	// StateConnecting indicates the handshake is in progress.
	StateConnecting

	// StateActive indicates the last beat succeeded.
	StateActive

	// StateDegraded indicates one beat was missed.
	StateDegraded

	// StateTerminated indicates the session is closed for good.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDegraded:
		return "DEGRADED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Running reports whether the state counts as a live session.
func (s State) Running() bool {
	return s == StateConnecting || s == StateActive || s == StateDegraded
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State State

	// Since is when the session entered State.
	Since time.Time

	// LastBeat is the time of the last successful beat.
	LastBeat time.Time

	// ConsecutiveFailures counts missed beats since the last success.
	ConsecutiveFailures int

	// TotalBeats and FailedBeats count beat attempts.
	TotalBeats  uint64
	FailedBeats uint64

	// ConnectAttempts counts dial attempts made by Connect.
	ConnectAttempts int

	// LastError is the most recent beat error or the termination reason.
	LastError error
}
