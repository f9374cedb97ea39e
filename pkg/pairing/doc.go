// Package pairing decodes and encodes pairing records.
//
// A pairing record is the credential material a host receives when a user
// taps "Trust" on the device: the host certificate and private key, the
// device certificate, the root certificate that signed both, and the
// identifiers (HostID, SystemBUID, UDID) lockdown uses to recognise the
// host. Records are property lists, either XML or binary; the format is
// detected automatically.
//
// Decoding is pure: no files are read and no device is contacted.
// Structural validation happens before a Credential is handed out, so a
// record with a broken certificate never reaches the handshake.
package pairing
