package usbmux

import (
	"errors"
	"fmt"
)

// Multiplexer errors.
var (
	// ErrDeviceNotFound indicates no attached device has the requested UDID.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrChannelRefused indicates the device refused the connection to the port.
	ErrChannelRefused = errors.New("channel refused")

	// ErrTransportClosed indicates the shared transport is gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrFraming indicates a framing inconsistency on the transport or a channel.
	ErrFraming = errors.New("framing error")

	// ErrChannelClosed indicates an operation on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrBufferOverflow indicates the channel consumer fell too far behind.
	ErrBufferOverflow = errors.New("channel receive buffer overflow")
)

// Framing errors. All wrap ErrFraming.
var (
	// ErrMessageTooLarge indicates the message exceeds the maximum size.
	ErrMessageTooLarge = fmt.Errorf("%w: message too large", ErrFraming)

	// ErrMessageEmpty indicates an empty message.
	ErrMessageEmpty = fmt.Errorf("%w: message is empty", ErrFraming)

	// ErrFrameTruncated indicates the frame was truncated.
	ErrFrameTruncated = fmt.Errorf("%w: frame truncated", ErrFraming)

	// ErrVersionMismatch indicates an envelope with an unsupported protocol version.
	ErrVersionMismatch = fmt.Errorf("%w: protocol version mismatch", ErrFraming)
)

// resultError maps a Result number to an error.
func resultError(n int) error {
	switch n {
	case ResultOK:
		return nil
	case ResultBadDevice:
		return ErrDeviceNotFound
	case ResultConnRefused:
		return ErrChannelRefused
	case ResultBadVersion:
		return ErrVersionMismatch
	default:
		return fmt.Errorf("%w: result %d", ErrChannelRefused, n)
	}
}
