package usbmux

import (
	"fmt"

	"howett.net/plist"
)

// Control message types.
const (
	MsgListDevices    = "ListDevices"
	MsgConnect        = "Connect"
	MsgReadPairRecord = "ReadPairRecord"
	MsgResult         = "Result"
	MsgAttached       = "Attached"
	MsgDetached       = "Detached"
)

// Result numbers.
const (
	ResultOK          = 0
	ResultBadCommand  = 1
	ResultBadDevice   = 2
	ResultConnRefused = 3
	ResultBadVersion  = 6
)

// LibUSBMuxVersion is the client library version advertised in requests.
const LibUSBMuxVersion = 3

// ClientInfo identifies the host program in every control request.
type ClientInfo struct {
	ProgName            string
	ClientVersionString string
	BundleID            string
}

// ListDevicesRequest asks for the attached devices.
type ListDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string `plist:"BundleID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// ConnectRequest opens a channel to a device port.
// PortNumber is in network byte order, as usbmuxd expects.
type ConnectRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string `plist:"BundleID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            int
	PortNumber          uint16
}

// ReadPairRecordRequest fetches the stored pairing record for a device.
type ReadPairRecordRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string `plist:"BundleID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	PairRecordID        string
}

// Result is the generic reply to Connect and failed requests.
type Result struct {
	MessageType string
	Number      int
}

// DeviceList is the reply to ListDevices.
type DeviceList struct {
	DeviceList []DeviceAttachment
}

// DeviceAttachment describes one attached device.
type DeviceAttachment struct {
	DeviceID    int
	MessageType string
	Properties  DeviceProperties
}

// DeviceProperties are the attachment properties of a device.
type DeviceProperties struct {
	ConnectionType string
	DeviceID       int
	SerialNumber   string
	ProductID      int    `plist:"ProductID,omitempty"`
	LocationID     int    `plist:"LocationID,omitempty"`
	NetworkAddress []byte `plist:"NetworkAddress,omitempty"`
}

// PairRecordResponse is the reply to ReadPairRecord.
type PairRecordResponse struct {
	PairRecordData []byte
}

// Device is an attached device as seen by the host.
type Device struct {
	// ID is the multiplexer-assigned device number.
	ID int

	// UDID is the stable device identifier.
	UDID string

	// ConnectionType is "USB" or "Network".
	ConnectionType string
}

// HostToNetworkPort converts a port to the byte order usbmuxd expects.
func HostToNetworkPort(port uint16) uint16 {
	return port<<8 | port>>8
}

// MessageType extracts the MessageType field of a control payload.
func MessageType(payload []byte) (string, error) {
	var probe struct {
		MessageType string
	}
	if _, err := plist.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return probe.MessageType, nil
}

// EncodeMessage encodes a control message as an XML plist.
func EncodeMessage(msg any) ([]byte, error) {
	return plist.Marshal(msg, plist.XMLFormat)
}

// DecodeMessage decodes a control payload into v.
func DecodeMessage(payload []byte, v any) error {
	if _, err := plist.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return nil
}
