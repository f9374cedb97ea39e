// Package usbmux implements the host side of the device multiplexer.
//
// The multiplexer carries several logical channels between the host and
// one or more devices over a single shared transport. The control
// messages follow usbmuxd's plist protocol (ListDevices, Connect,
// ReadPairRecord, Result), but the channel layer is devkeep's own: after
// Connect the transport stays multiplexed and channel bytes travel in
// data and close envelopes tagged with the channel id. A stock usbmuxd
// instead hands the socket over as a raw tunnel, so the peer must be a
// multiplexer that speaks these envelopes (a relay in front of the device
// daemon, or internal/devicesim in tests). Raw tunnel bytes arriving on
// the transport are a framing violation.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Plist messages (lockdown)    │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │  Channel.Send / Channel.Receive
//	├────────────────────────────────┤
//	│   Channel byte stream          │  Channel (net.Conn)
//	├────────────────────────────────┤
//	│   Envelope (16B header)        │  length, version, type, tag
//	├────────────────────────────────┤
//	│   Transport (Dialer)           │
//	└────────────────────────────────┘
//
// # Envelopes
//
// Every envelope starts with a 16-byte little-endian header: total length
// (header included), protocol version (always 1), message type and tag.
// Plist control messages use the tag to correlate a request with its
// Result. A successful Connect turns its tag into the channel id; data
// and close envelopes for that channel carry the same tag.
//
// A framing violation on the shared transport (bad length, wrong version,
// truncated envelope) fails the transport and every channel on it. There
// is no attempt to resynchronise.
package usbmux
