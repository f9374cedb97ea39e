package lockdown

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/devkeep/devkeep-go/pkg/pairing"
)

// NewSessionTLSConfig returns the client TLS configuration for a lockdown
// session. The host certificate from the pairing record is presented as
// the client certificate. The device is identified by the certificate in
// the record, not by a name or a CA chain, so verification pins it.
func NewSessionTLSConfig(cred *pairing.Credential) (*tls.Config, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential is required")
	}
	hostCert := cred.TLSCertificate()
	if len(hostCert.Certificate) == 0 {
		return nil, fmt.Errorf("host certificate is required")
	}
	device := cred.DeviceCertificate()
	if device == nil {
		return nil, fmt.Errorf("device certificate is required")
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{hostCert},

		// Chain and hostname checks do not apply; VerifyPeerCertificate
		// pins the device certificate instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinned(device, rawCerts)
		},

		SessionTicketsDisabled: true,
	}, nil
}

func verifyPinned(device *x509.Certificate, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates presented")
	}
	if !bytes.Equal(rawCerts[0], device.Raw) {
		peer, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}
		return fmt.Errorf("device certificate mismatch: got subject %q", peer.Subject.CommonName)
	}
	return nil
}
