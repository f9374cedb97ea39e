package lockdown

import (
	"errors"
	"fmt"
)

// Handshake and session errors.
var (
	// ErrAuthenticationRejected indicates the device refused the pairing credential.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrProtocolVersionMismatch indicates the peer does not speak the expected protocol.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

	// ErrDeviceUnreachable indicates an I/O failure, a timeout or a closed channel.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrTimeout indicates no reply arrived in time. The session stays usable.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrDeviceUnreachable)

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrDeviceUnreachable)

	// ErrRequestFailed indicates the device answered a request with an error.
	ErrRequestFailed = errors.New("request failed")
)

// authErrors are device error strings that mean the credential was not accepted.
var authErrors = map[string]bool{
	"InvalidHostID":                true,
	"InvalidPairRecord":            true,
	"PasswordProtected":            true,
	"UserDeniedPairing":            true,
	"PairingDialogResponsePending": true,
	"SessionInactive":              true,
	"InvalidSessionID":             true,
}

// responseError maps the Error field of a reply to an error.
func responseError(resp *Response) error {
	if resp.Error == "" {
		return nil
	}
	switch {
	case authErrors[resp.Error]:
		return fmt.Errorf("%w: %s", ErrAuthenticationRejected, resp.Error)
	case resp.Error == "InvalidProtocolVersion":
		return fmt.Errorf("%w: %s", ErrProtocolVersionMismatch, resp.Error)
	default:
		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, resp.Request, resp.Error)
	}
}
