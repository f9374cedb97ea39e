package pairing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PairValidity is the validity period of generated pairing certificates.
const PairValidity = 10 * 365 * 24 * time.Hour

// Pair is freshly generated pairing material: the host-side record and
// the device-side certificate the device would keep.
type Pair struct {
	// Record is the host-side pairing record.
	Record Record

	// Device is the device certificate and key, for serving the device
	// end of a session.
	Device tls.Certificate
}

// Generate creates a root CA and host and device certificates signed by
// it, as a host does when it pairs with a device for the first time.
func Generate(udid string) (*Pair, error) {
	if udid == "" {
		return nil, &MissingFieldError{Name: "UDID"}
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	rootTmpl := template("Root Certification Authority")
	rootTmpl.IsCA = true
	rootTmpl.BasicConstraintsValid = true
	rootTmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	hostCertPEM, hostKeyPEM, err := issue(rootCert, rootKey, "Host", x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to issue host certificate: %w", err)
	}
	deviceCertPEM, deviceKeyPEM, err := issue(rootCert, rootKey, udid, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to issue device certificate: %w", err)
	}
	rootKeyPEM, err := encodeKeyPEM(rootKey)
	if err != nil {
		return nil, err
	}

	device, err := tls.X509KeyPair(deviceCertPEM, deviceKeyPEM)
	if err != nil {
		return nil, err
	}

	return &Pair{
		Record: Record{
			UDID:              udid,
			HostID:            strings.ToUpper(uuid.NewString()),
			SystemBUID:        strings.ToUpper(uuid.NewString()),
			HostCertificate:   hostCertPEM,
			HostPrivateKey:    hostKeyPEM,
			DeviceCertificate: deviceCertPEM,
			RootCertificate:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
			RootPrivateKey:    rootKeyPEM,
		},
		Device: device,
	}, nil
}

func issue(parent *x509.Certificate, parentKey *ecdsa.PrivateKey, cn string, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := template(cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{usage}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = encodeKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}

func template(cn string) *x509.Certificate {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(PairValidity),
	}
}

func encodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
