package supervisor

import (
	"errors"

	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/pairing"
)

// Supervisor errors.
var (
	// ErrNotFound indicates no session is registered for the UDID.
	ErrNotFound = errors.New("session not found")

	// ErrEmptyDeviceID indicates an empty UDID.
	ErrEmptyDeviceID = errors.New("empty device id")

	// ErrAlreadyRunning indicates a live session exists for the UDID.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrClosed indicates the supervisor was closed.
	ErrClosed = errors.New("supervisor closed")
)

// ResultCode is the outcome of a start request.
type ResultCode int

// Result codes.
const (
	Success ResultCode = iota
	DecodeFailure
	HandshakeFailure
	DeviceUnreachable
	AlreadyRunning
)

// String returns the code name.
func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case DecodeFailure:
		return "DECODE_FAILURE"
	case HandshakeFailure:
		return "HANDSHAKE_FAILURE"
	case DeviceUnreachable:
		return "DEVICE_UNREACHABLE"
	case AlreadyRunning:
		return "ALREADY_RUNNING"
	default:
		return "UNKNOWN"
	}
}

// CodeOf classifies an error returned by Start.
func CodeOf(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrAlreadyRunning):
		return AlreadyRunning
	case errors.Is(err, ErrEmptyDeviceID),
		errors.Is(err, pairing.ErrMalformed),
		errors.Is(err, pairing.ErrMissingField),
		errors.Is(err, pairing.ErrInvalidKeyMaterial):
		return DecodeFailure
	case errors.Is(err, lockdown.ErrAuthenticationRejected),
		errors.Is(err, lockdown.ErrProtocolVersionMismatch):
		return HandshakeFailure
	default:
		return DeviceUnreachable
	}
}

// retryable reports whether a failed connect is worth another attempt.
// Trust failures will not change on retry.
func retryable(err error) bool {
	return !errors.Is(err, lockdown.ErrAuthenticationRejected) &&
		!errors.Is(err, lockdown.ErrProtocolVersionMismatch)
}
