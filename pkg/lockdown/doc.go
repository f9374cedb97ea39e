// Package lockdown establishes a trusted session with a device's lockdown
// service and keeps the request/response exchange on it.
//
// Upgrade runs the handshake on an already open channel:
//
//	QueryType      → must be com.apple.mobile.lockdown
//	GetValue       → ProductVersion (informational)
//	StartSession   → SessionID, EnableSessionSSL
//	TLS (optional) → host certificate as client cert, device cert pinned
//
// The device decides whether the session is encrypted. Messages are
// property lists framed with a 4-byte big-endian length prefix.
//
// The keepalive is a host-initiated Heartbeat request on the session
// itself: the host sends Command Marco and expects Polo back. This is
// devkeep's dialect; the stock lockdown service has no such request, and
// the device's own heartbeat service runs the other way round. Every
// request carries a Sequence number that the device echoes, so a reply to
// a request that already timed out is never taken as the current answer.
package lockdown
