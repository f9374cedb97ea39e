package lockdown

import (
	"fmt"

	"howett.net/plist"
)

// Lockdown constants.
const (
	// Port is the lockdown service port on the device.
	Port uint16 = 62078

	// ServiceType is the QueryType answer of a lockdown service.
	ServiceType = "com.apple.mobile.lockdown"

	// SessionProtocolVersion is sent in StartSession.
	SessionProtocolVersion = "2"

	// DefaultLabel identifies this program to the device.
	DefaultLabel = "devkeep"
)

// Request names.
const (
	RequestQueryType    = "QueryType"
	RequestGetValue     = "GetValue"
	RequestStartSession = "StartSession"
	RequestStopSession  = "StopSession"
	RequestHeartbeat    = "Heartbeat"
)

// Heartbeat commands.
const (
	CommandMarco = "Marco"
	CommandPolo  = "Polo"
)

// Request is a message from host to device.
type Request struct {
	Label           string
	Request         string
	Key             string `plist:"Key,omitempty"`
	Domain          string `plist:"Domain,omitempty"`
	Value           any    `plist:"Value,omitempty"`
	HostID          string `plist:"HostID,omitempty"`
	SystemBUID      string `plist:"SystemBUID,omitempty"`
	ProtocolVersion string `plist:"ProtocolVersion,omitempty"`
	SessionID       string `plist:"SessionID,omitempty"`
	Command         string `plist:"Command,omitempty"`
	// Sequence numbers requests within a session; the device echoes it.
	Sequence uint64 `plist:"Sequence,omitempty"`
}

// Response is a message from device to host.
type Response struct {
	Request          string `plist:"Request,omitempty"`
	Result           string `plist:"Result,omitempty"`
	Error            string `plist:"Error,omitempty"`
	Type             string `plist:"Type,omitempty"`
	Key              string `plist:"Key,omitempty"`
	Domain           string `plist:"Domain,omitempty"`
	Value            any    `plist:"Value,omitempty"`
	SessionID        string `plist:"SessionID,omitempty"`
	EnableSessionSSL bool   `plist:"EnableSessionSSL,omitempty"`
	Command          string `plist:"Command,omitempty"`
	Sequence         uint64 `plist:"Sequence,omitempty"`
}

// Codec encodes lockdown messages. The wire format is pluggable; the
// device speaks property lists.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// PlistCodec encodes messages as property lists.
type PlistCodec struct {
	// Format is a howett.net/plist format; zero means XML.
	Format int
}

// Marshal implements Codec.
func (c PlistCodec) Marshal(v any) ([]byte, error) {
	format := c.Format
	if format == 0 {
		format = plist.XMLFormat
	}
	return plist.Marshal(v, format)
}

// Unmarshal implements Codec.
func (PlistCodec) Unmarshal(data []byte, v any) error {
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolVersionMismatch, err)
	}
	return nil
}

// payloadMap flattens a message for protocol logging.
func payloadMap(codec Codec, v any) map[string]any {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
