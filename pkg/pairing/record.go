package pairing

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"howett.net/plist"
)

// Record is the on-disk form of a pairing record.
// Certificate and key fields hold PEM bytes, as written by the host's
// pairing daemon.
type Record struct {
	UDID              string `plist:"UDID,omitempty"`
	HostID            string `plist:"HostID"`
	SystemBUID        string `plist:"SystemBUID"`
	HostCertificate   []byte `plist:"HostCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	RootCertificate   []byte `plist:"RootCertificate,omitempty"`
	RootPrivateKey    []byte `plist:"RootPrivateKey,omitempty"`
	EscrowBag         []byte `plist:"EscrowBag,omitempty"`
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
}

// Format selects the property-list encoding used by Encode.
type Format int

const (
	// FormatXML encodes an XML property list.
	FormatXML Format = plist.XMLFormat

	// FormatBinary encodes a binary (bplist00) property list.
	FormatBinary Format = plist.BinaryFormat
)

// Credential is a validated pairing record.
// It is immutable once constructed; accessors return copies of byte slices.
type Credential struct {
	rec        Record
	hostCert   tls.Certificate
	deviceCert *x509.Certificate
	rootCert   *x509.Certificate
}

// Codec turns an opaque blob into a Credential.
// The blob format is dictated by the device family; PlistCodec covers
// the lockdown pairing record.
type Codec interface {
	Decode(data []byte) (*Credential, error)
}

// PlistCodec decodes XML and binary property-list pairing records.
type PlistCodec struct{}

// Decode implements Codec.
func (PlistCodec) Decode(data []byte) (*Credential, error) {
	return Decode(data)
}

// Compile-time interface satisfaction check.
var _ Codec = PlistCodec{}

// Decode parses a pairing record and validates its key material.
// Unknown keys are ignored.
func Decode(data []byte) (*Credential, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	var rec Record
	if _, err := plist.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return New(rec)
}

// New validates rec and builds a Credential from it.
func New(rec Record) (*Credential, error) {
	required := []struct {
		name  string
		empty bool
	}{
		{"HostID", rec.HostID == ""},
		{"SystemBUID", rec.SystemBUID == ""},
		{"HostCertificate", len(rec.HostCertificate) == 0},
		{"HostPrivateKey", len(rec.HostPrivateKey) == 0},
		{"DeviceCertificate", len(rec.DeviceCertificate) == 0},
	}
	for _, f := range required {
		if f.empty {
			return nil, &MissingFieldError{Name: f.name}
		}
	}

	rec = cloneRecord(rec)

	// X509KeyPair also checks that the key matches the certificate.
	hostCert, err := tls.X509KeyPair(rec.HostCertificate, rec.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: host certificate/key: %v", ErrInvalidKeyMaterial, err)
	}
	if hostCert.Leaf == nil {
		hostCert.Leaf, err = x509.ParseCertificate(hostCert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("%w: host certificate: %v", ErrInvalidKeyMaterial, err)
		}
	}

	deviceCert, err := parseCertPEM(rec.DeviceCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: device certificate: %v", ErrInvalidKeyMaterial, err)
	}

	var rootCert *x509.Certificate
	if len(rec.RootCertificate) > 0 {
		rootCert, err = parseCertPEM(rec.RootCertificate)
		if err != nil {
			return nil, fmt.Errorf("%w: root certificate: %v", ErrInvalidKeyMaterial, err)
		}
	}

	return &Credential{
		rec:        rec,
		hostCert:   hostCert,
		deviceCert: deviceCert,
		rootCert:   rootCert,
	}, nil
}

// Encode serializes the credential back into a pairing record.
func Encode(c *Credential, format Format) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil credential")
	}
	return plist.Marshal(c.rec, int(format))
}

// UDID returns the device identifier the record was issued for. Records
// stored by the multiplexer daemon omit it; the caller supplies the UDID.
func (c *Credential) UDID() string { return c.rec.UDID }

// HostID returns the host identifier presented to lockdown.
func (c *Credential) HostID() string { return c.rec.HostID }

// SystemBUID returns the host system identifier presented to lockdown.
func (c *Credential) SystemBUID() string { return c.rec.SystemBUID }

// WiFiMACAddress returns the device Wi-Fi MAC address, if recorded.
func (c *Credential) WiFiMACAddress() string { return c.rec.WiFiMACAddress }

// EscrowBag returns a copy of the escrow keybag, or nil.
func (c *Credential) EscrowBag() []byte { return bytes.Clone(c.rec.EscrowBag) }

// Record returns a copy of the underlying record.
func (c *Credential) Record() Record { return cloneRecord(c.rec) }

// DeviceCertificate returns the parsed device certificate.
func (c *Credential) DeviceCertificate() *x509.Certificate { return c.deviceCert }

// RootCertificate returns the parsed root certificate, or nil.
func (c *Credential) RootCertificate() *x509.Certificate { return c.rootCert }

// TLSCertificate returns the host certificate and key for the session TLS
// upgrade.
func (c *Credential) TLSCertificate() tls.Certificate { return c.hostCert }

// Wipe zeroes the private key material held by the credential.
// The credential must not be used afterwards.
func (c *Credential) Wipe() {
	if c == nil {
		return
	}
	clear(c.rec.HostPrivateKey)
	clear(c.rec.RootPrivateKey)
	clear(c.rec.EscrowBag)
	c.hostCert.PrivateKey = nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("invalid PEM data")
	}
	return x509.ParseCertificate(block.Bytes)
}

func cloneRecord(r Record) Record {
	r.HostCertificate = bytes.Clone(r.HostCertificate)
	r.HostPrivateKey = bytes.Clone(r.HostPrivateKey)
	r.DeviceCertificate = bytes.Clone(r.DeviceCertificate)
	r.RootCertificate = bytes.Clone(r.RootCertificate)
	r.RootPrivateKey = bytes.Clone(r.RootPrivateKey)
	r.EscrowBag = bytes.Clone(r.EscrowBag)
	return r
}
