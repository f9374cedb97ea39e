package lockdown

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/pairing"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
	"github.com/google/uuid"
)

// Session defaults.
const (
	// DefaultTimeout bounds one request/response exchange.
	DefaultTimeout = 10 * time.Second

	// stopSessionTimeout bounds the best-effort StopSession sent by Close.
	stopSessionTimeout = time.Second
)

// Config configures a lockdown session.
type Config struct {
	// Label identifies this program in every request (default: "devkeep").
	Label string

	// Timeout bounds one exchange during the handshake (default: 10s).
	Timeout time.Duration

	// Codec encodes messages (default: XML property lists).
	Codec Codec

	// MaxMessageSize is the maximum message size (default: 4 MB).
	MaxMessageSize uint32

	// DeviceID is the UDID of the device (default: the credential's UDID).
	DeviceID string

	// ConnectionID tags protocol log events (default: a new UUID).
	ConnectionID string

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives request/response events. Nil disables capture.
	ProtocolLogger log.Logger
}

// Session is an established lockdown session.
// Exchanges are serialised: a session carries one request at a time.
type Session struct {
	conn   net.Conn // the channel
	stream net.Conn // conn, or a TLS client over it
	framer *usbmux.Framer
	codec  Codec
	config Config
	logger *slog.Logger
	proto  log.Logger
	udid   string

	mu     sync.Mutex
	closed bool
	err    error
	seq    uint64 // last request sequence number

	id             string
	productVersion string
	encrypted      bool
}

// Upgrade runs the trust handshake on conn using the pairing credential.
// On any failure conn is closed before Upgrade returns.
func Upgrade(ctx context.Context, conn net.Conn, cred *pairing.Credential, cfg Config) (*Session, error) {
	if cred == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no credential", ErrAuthenticationRejected)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = cred.UDID()
	}
	s := newSession(conn, cfg)
	if err := s.handshake(ctx, cred); err != nil {
		s.mu.Lock()
		s.closeLocked(err)
		s.mu.Unlock()
		s.logger.Debug("lockdown: handshake failed", "device_id", s.udid, "error", err)
		return nil, err
	}

	s.logger.Debug("lockdown: session started",
		"device_id", s.udid, "session_id", s.id, "encrypted", s.encrypted, "product_version", s.productVersion)
	return s, nil
}

func newSession(conn net.Conn, cfg Config) *Session {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = PlistCodec{}
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		conn:   conn,
		stream: conn,
		codec:  cfg.Codec,
		config: cfg,
		logger: logger,
		proto:  log.OrNoop(cfg.ProtocolLogger),
		udid:   cfg.DeviceID,
	}
	s.setStream(conn)
	return s
}

func (s *Session) setStream(stream net.Conn) {
	s.stream = stream
	s.framer = usbmux.NewFramer(stream)
	if s.config.MaxMessageSize > 0 {
		s.framer.SetMaxMessageSize(s.config.MaxMessageSize)
	}
}

func (s *Session) handshake(ctx context.Context, cred *pairing.Credential) error {
	resp, err := s.Request(ctx, Request{Request: RequestQueryType})
	if err != nil {
		return err
	}
	if resp.Type != ServiceType {
		return fmt.Errorf("%w: service type %q", ErrProtocolVersionMismatch, resp.Type)
	}

	resp, err = s.Request(ctx, Request{Request: RequestGetValue, Key: "ProductVersion"})
	switch {
	case err == nil:
		if v, ok := resp.Value.(string); ok {
			s.productVersion = v
		}
	case errors.Is(err, ErrRequestFailed):
		s.logger.Debug("lockdown: product version unavailable", "device_id", s.udid, "error", err)
	default:
		return err
	}

	resp, err = s.Request(ctx, Request{
		Request:         RequestStartSession,
		HostID:          cred.HostID(),
		SystemBUID:      cred.SystemBUID(),
		ProtocolVersion: SessionProtocolVersion,
	})
	if err != nil {
		return err
	}
	if resp.SessionID == "" {
		return fmt.Errorf("%w: StartSession reply has no SessionID", ErrProtocolVersionMismatch)
	}
	s.id = resp.SessionID

	if resp.EnableSessionSSL {
		return s.startTLS(ctx, cred)
	}
	return nil
}

func (s *Session) startTLS(ctx context.Context, cred *pairing.Credential) error {
	tlsConf, err := NewSessionTLSConfig(cred)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationRejected, err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	tc := tls.Client(s.conn, tlsConf)
	if err := tc.HandshakeContext(hctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: TLS handshake: %w", ErrDeviceUnreachable, ctx.Err())
		}
		if hctx.Err() != nil {
			return fmt.Errorf("%w: TLS handshake", ErrTimeout)
		}
		return fmt.Errorf("%w: TLS handshake: %v", ErrAuthenticationRejected, err)
	}

	s.mu.Lock()
	s.setStream(tc)
	s.encrypted = true
	s.mu.Unlock()
	return nil
}

// Request sends req and waits for the matching reply. A device-reported
// error is returned together with the reply.
func (s *Session) Request(ctx context.Context, req Request) (*Response, error) {
	return s.exchange(ctx, req, s.config.Timeout)
}

// GetValue reads one value from the device.
func (s *Session) GetValue(ctx context.Context, domain, key string) (any, error) {
	resp, err := s.Request(ctx, Request{Request: RequestGetValue, Domain: domain, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Beat sends one heartbeat and waits up to timeout for the answer.
// A timeout leaves the session open; any other failure closes it.
func (s *Session) Beat(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	resp, err := s.exchange(ctx, Request{Request: RequestHeartbeat, Command: CommandMarco}, timeout)
	if err != nil {
		return err
	}
	if resp.Command != CommandPolo {
		return fmt.Errorf("%w: heartbeat answered %q", ErrProtocolVersionMismatch, resp.Command)
	}
	return nil
}

// StopSession ends the lockdown session on the device.
func (s *Session) StopSession(ctx context.Context) error {
	_, err := s.Request(ctx, Request{Request: RequestStopSession, SessionID: s.id})
	return err
}

// Close sends StopSession on a best-effort basis and closes the channel.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	timeout := min(stopSessionTimeout, s.config.Timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := s.exchange(ctx, Request{Request: RequestStopSession, SessionID: s.id}, timeout); err != nil {
		s.logger.Debug("lockdown: StopSession failed", "device_id", s.udid, "error", err)
	}

	s.mu.Lock()
	s.closeLocked(ErrSessionClosed)
	s.mu.Unlock()
	return nil
}

// SessionID returns the identifier the device assigned.
func (s *Session) SessionID() string { return s.id }

// ProductVersion returns the OS version reported during the handshake.
func (s *Session) ProductVersion() string { return s.productVersion }

// DeviceID returns the UDID of the device.
func (s *Session) DeviceID() string { return s.udid }

// ConnectionID returns the identifier used in protocol logs.
func (s *Session) ConnectionID() string { return s.config.ConnectionID }

// Encrypted reports whether the session runs over TLS.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) exchange(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, req.Request, err)
	}
	if req.Label == "" {
		req.Label = s.config.Label
	}
	s.seq++
	req.Sequence = s.seq

	data, err := s.codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", req.Request, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stream := s.stream
	stream.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { stream.SetDeadline(time.Now()) })
	defer func() {
		stop()
		stream.SetDeadline(time.Time{})
	}()

	if err := s.framer.WriteFrame(data); err != nil {
		return nil, s.failLocked(ctx, req.Request, err)
	}
	s.logMessage(log.DirectionOut, req.Request, "", req)

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil {
				// Nothing of the reply was consumed; the stream is still aligned.
				return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Request)
			}
			return nil, s.failLocked(ctx, req.Request, err)
		}

		var resp Response
		if err := s.codec.Unmarshal(frame, &resp); err != nil {
			return nil, s.failLocked(ctx, req.Request, err)
		}
		s.logMessage(log.DirectionIn, resp.Request, resultOf(&resp), resp)

		// A reply to an earlier request that timed out arrives ahead of
		// ours. It must never answer this request.
		if stale(&req, &resp) {
			s.logger.Debug("lockdown: skipping stale reply",
				"device_id", s.udid, "request", req.Request,
				"want_seq", req.Sequence, "got_seq", resp.Sequence, "got", resp.Request)
			continue
		}
		return &resp, responseError(&resp)
	}
}

// stale reports whether resp answers a request other than req. Peers that
// do not echo Sequence are matched on the request name only.
func stale(req *Request, resp *Response) bool {
	if resp.Sequence != 0 {
		return resp.Sequence != req.Sequence
	}
	return resp.Request != "" && resp.Request != req.Request
}

// failLocked closes the session after an I/O or decoding failure.
func (s *Session) failLocked(ctx context.Context, op string, err error) error {
	var out error
	switch {
	case ctx.Err() != nil:
		out = fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, op, ctx.Err())
	case errors.Is(err, ErrProtocolVersionMismatch):
		out = err
	default:
		out = fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, op, err)
	}
	s.closeLocked(out)
	s.logError(out, op)
	return out
}

func (s *Session) closeLocked(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	s.conn.Close()
	if s.stream != s.conn {
		s.stream.Close()
	}
}

func resultOf(resp *Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	return resp.Result
}

func (s *Session) logMessage(dir log.Direction, name, result string, msg any) {
	if _, ok := s.proto.(log.NoopLogger); ok {
		return
	}
	s.proto.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.config.ConnectionID,
		Direction:    dir,
		Layer:        log.LayerLockdown,
		Category:     log.CategoryMessage,
		DeviceID:     s.udid,
		Message: &log.MessageEvent{
			Name:    name,
			Result:  result,
			Payload: payloadMap(s.codec, msg),
		},
	})
}

func (s *Session) logError(err error, op string) {
	s.proto.Log(log.NewErrorEvent(log.LayerLockdown, s.config.ConnectionID, s.udid, err, op))
}
