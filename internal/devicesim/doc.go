// Package devicesim simulates the multiplexer daemon and the lockdown
// service of attached devices, so the host stack can be exercised
// without hardware.
//
// A Mux implements usbmux.Dialer: every Dial returns one end of an
// in-memory pipe whose other end speaks the envelope protocol. Devices
// answer the lockdown handshake with their generated pairing material and
// answer heartbeats until their Behavior says otherwise.
package devicesim
