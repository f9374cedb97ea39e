package devicesim

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
	"github.com/google/uuid"
)

// serveLockdown answers lockdown requests on one channel until the host
// closes it or the behavior says to hang up.
func (d *Device) serveLockdown(conn net.Conn) {
	defer conn.Close()

	codec := lockdown.PlistCodec{}
	framer := usbmux.NewFramer(conn)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return
		}
		var req lockdown.Request
		if err := codec.Unmarshal(frame, &req); err != nil {
			return
		}

		b := d.Behavior()
		resp := lockdown.Response{Request: req.Request, Sequence: req.Sequence}
		upgrade := false

		switch req.Request {
		case lockdown.RequestQueryType:
			resp.Type = b.ServiceType

		case lockdown.RequestGetValue:
			if req.Key == "ProductVersion" && req.Domain == "" {
				resp.Value = b.ProductVersion
			} else {
				resp.Error = "MissingValue"
			}

		case lockdown.RequestStartSession:
			switch {
			case b.SessionError != "":
				resp.Error = b.SessionError
			case req.HostID != d.pair.Record.HostID:
				resp.Error = "InvalidHostID"
			case req.ProtocolVersion != lockdown.SessionProtocolVersion:
				resp.Error = "InvalidProtocolVersion"
			default:
				d.sessions.Add(1)
				resp.SessionID = uuid.NewString()
				resp.EnableSessionSSL = b.EnableSSL
				upgrade = b.EnableSSL
			}

		case lockdown.RequestHeartbeat:
			n := d.beats.Add(1)
			if b.BeatLimit > 0 && n > int64(b.BeatLimit) {
				if b.Failure == FailHangup {
					return
				}
				continue
			}
			if b.BeatDelay > 0 {
				time.Sleep(b.BeatDelay)
			}
			resp.Command = lockdown.CommandPolo

		case lockdown.RequestStopSession:
			resp.Result = "Success"

		default:
			resp.Error = "InvalidRequest"
		}

		data, err := codec.Marshal(resp)
		if err != nil {
			return
		}
		if err := framer.WriteFrame(data); err != nil {
			return
		}

		if upgrade {
			cfg, err := d.tlsConfig()
			if err != nil {
				return
			}
			tc := tls.Server(conn, cfg)
			if err := tc.Handshake(); err != nil {
				return
			}
			framer = usbmux.NewFramer(tc)
		}
	}
}

// tlsConfig serves the device certificate and accepts only the paired
// host certificate.
func (d *Device) tlsConfig() (*tls.Config, error) {
	block, _ := pem.Decode(d.pair.Record.HostCertificate)
	if block == nil {
		return nil, fmt.Errorf("host certificate is not PEM")
	}
	host := block.Bytes

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{d.pair.Device},
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], host) {
				return fmt.Errorf("unknown host certificate")
			}
			return nil
		},
	}, nil
}
