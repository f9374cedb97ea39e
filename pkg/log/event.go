package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the multiplexer channel (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// DeviceID is the UDID of the device the event belongs to.
	DeviceID string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Mux layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Lockdown layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Session state
	Heartbeat   *HeartbeatEvent   `cbor:"13,keyasint,omitempty"` // Individual beat
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates a message from the device.
	DirectionIn Direction = 0
	// DirectionOut indicates a message to the device.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerMux is the multiplexer envelope layer.
	LayerMux Layer = 0
	// LayerLockdown is the lockdown request/response layer.
	LayerLockdown Layer = 1
	// LayerSession is the heartbeat session layer.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerMux:
		return "MUX"
	case LayerLockdown:
		return "LOCKDOWN"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryHeartbeat indicates a heartbeat exchange.
	CategoryHeartbeat Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryHeartbeat:
		return "HEARTBEAT"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a multiplexer envelope.
type FrameEvent struct {
	// Size is the envelope size in bytes (including header).
	Size int `cbor:"1,keyasint"`

	// Type is the envelope message type.
	Type uint32 `cbor:"2,keyasint"`

	// Tag is the envelope tag (request tag or channel id).
	Tag uint32 `cbor:"3,keyasint"`

	// Data is the payload (may be truncated for large frames).
	Data []byte `cbor:"4,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"5,keyasint,omitempty"`
}

// MessageEvent captures a decoded lockdown or control message.
type MessageEvent struct {
	// Name is the request or message type ("StartSession", "Connect", ...).
	Name string `cbor:"1,keyasint"`

	// Result is the reported result, or the device error string.
	Result string `cbor:"2,keyasint,omitempty"`

	// Payload is the decoded plist dictionary.
	Payload map[string]any `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures session lifecycle events.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// HeartbeatEvent captures one heartbeat attempt.
type HeartbeatEvent struct {
	// Sequence numbers beats within one session, starting at 1.
	Sequence uint64 `cbor:"1,keyasint"`

	// OK is true when the device answered within the timeout.
	OK bool `cbor:"2,keyasint"`

	// Latency is the round-trip time of a successful beat.
	Latency time.Duration `cbor:"3,keyasint,omitempty"`

	// Retry marks the immediate re-beat issued from the degraded state.
	Retry bool `cbor:"4,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// NewErrorEvent builds an error event for the given layer.
func NewErrorEvent(layer Layer, connID, deviceID string, err error, context string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        layer,
		Category:     CategoryError,
		DeviceID:     deviceID,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: context,
		},
	}
}
