package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/devkeep/devkeep-go/pkg/heartbeat"
	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/metrics"
	"github.com/devkeep/devkeep-go/pkg/pairing"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// Connector opens multiplexer channels. *usbmux.Client implements it.
type Connector interface {
	Connect(ctx context.Context, udid string, port uint16) (*usbmux.Channel, error)
}

var _ Connector = (*usbmux.Client)(nil)

// Config configures a Supervisor.
type Config struct {
	// Heartbeat configures every session's beat loop.
	Heartbeat heartbeat.Config

	// Lockdown configures the trust handshake. DeviceID and ConnectionID
	// are set per session.
	Lockdown lockdown.Config

	// Port is the lockdown port on the device (default: 62078).
	Port uint16

	// Codec decodes pairing blobs (default: pairing.PlistCodec).
	Codec pairing.Codec
}

// TerminationHandler is called when a running session dies on its own.
// It is not called for sessions ended by Stop or Close.
type TerminationHandler func(udid string, err error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTerminationHandler registers a failure callback.
func WithTerminationHandler(fn TerminationHandler) Option {
	return func(s *Supervisor) { s.onTerminate = append(s.onTerminate, fn) }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithProtocolLogger captures lockdown and session events.
func WithProtocolLogger(l log.Logger) Option {
	return func(s *Supervisor) { s.proto = l }
}

// WithMetrics exports session activity to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// Handle is a supervised session.
type Handle struct {
	udid    string
	connID  string
	session *heartbeat.Session
	ctx     context.Context // lives until Stop
	cancel  context.CancelFunc
	done    chan struct{}
}

// DeviceID returns the UDID of the device.
func (h *Handle) DeviceID() string { return h.udid }

// ConnectionID returns the identifier used in protocol logs.
func (h *Handle) ConnectionID() string { return h.connID }

// Snapshot returns the current session state.
func (h *Handle) Snapshot() heartbeat.Snapshot { return h.session.Snapshot() }

// Done is closed once the session's goroutine has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the termination reason, or nil while the session lives.
func (h *Handle) Err() error { return h.session.Err() }

// Supervisor keeps one heartbeat session per device.
type Supervisor struct {
	mux         Connector
	config      Config
	logger      *slog.Logger
	proto       log.Logger
	metrics     *metrics.Collector
	onTerminate []TerminationHandler

	mu       sync.RWMutex
	sessions map[string]*Handle
	closed   bool
}

// New creates a Supervisor that opens channels through mux.
func New(mux Connector, cfg Config, opts ...Option) *Supervisor {
	if cfg.Port == 0 {
		cfg.Port = lockdown.Port
	}
	if cfg.Codec == nil {
		cfg.Codec = pairing.PlistCodec{}
	}
	if cfg.Heartbeat.Retryable == nil {
		cfg.Heartbeat.Retryable = retryable
	}

	s := &Supervisor{
		mux:      mux,
		config:   cfg,
		logger:   slog.Default(),
		sessions: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start establishes a trusted session to udid and keeps it alive in the
// background. Decode, transport and handshake errors are returned
// synchronously. If a live session exists its handle is returned.
func (s *Supervisor) Start(ctx context.Context, udid string, blob []byte) (*Handle, error) {
	h, err := s.start(ctx, udid, blob)
	if errors.Is(err, ErrAlreadyRunning) {
		return h, nil
	}
	return h, err
}

// StartCode is Start reduced to a result code.
func (s *Supervisor) StartCode(ctx context.Context, udid string, blob []byte) ResultCode {
	_, err := s.start(ctx, udid, blob)
	return CodeOf(err)
}

func (s *Supervisor) start(ctx context.Context, udid string, blob []byte) (*Handle, error) {
	h, err := s.startSession(ctx, udid, blob)
	if s.metrics != nil {
		s.metrics.RecordStart(CodeOf(err).String())
	}
	return h, err
}

func (s *Supervisor) startSession(ctx context.Context, udid string, blob []byte) (*Handle, error) {
	if udid == "" {
		return nil, ErrEmptyDeviceID
	}
	cred, err := s.config.Codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decode pairing record: %w", err)
	}
	// The key material is only needed for the handshake.
	defer cred.Wipe()

	h, err := s.register(udid, cred)
	if err != nil {
		return h, err
	}

	// Stop must be able to abort the connect as well.
	connectCtx, stopConnect := context.WithCancel(ctx)
	unhook := context.AfterFunc(h.ctx, stopConnect)
	err = h.session.Connect(connectCtx)
	unhook()
	stopConnect()

	if err == nil && h.ctx.Err() != nil {
		// Stopped while the handshake was finishing; Run never started.
		_ = h.session.Close()
		err = heartbeat.ErrStopped
	}
	if err != nil {
		h.cancel()
		if s.remove(udid, h) {
			s.dropped(h)
		}
		close(h.done)
		s.logger.Warn("supervisor: start failed", "device_id", udid, "error", err)
		return nil, err
	}

	s.logger.Info("supervisor: session started", "device_id", udid, "conn_id", h.connID)
	go s.run(h)
	return h, nil
}

// register inserts a Connecting record for udid, replacing a Terminated one.
func (s *Supervisor) register(udid string, cred *pairing.Credential) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if old, ok := s.sessions[udid]; ok {
		if old.session.State() != heartbeat.StateTerminated {
			return old, ErrAlreadyRunning
		}
		delete(s.sessions, udid)
		s.dropped(old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		udid:   udid,
		connID: uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.session = heartbeat.New(s.dialer(udid, h.connID, cred), s.config.Heartbeat, s.sessionOptions(h)...)
	s.sessions[udid] = h
	return h, nil
}

func (s *Supervisor) sessionOptions(h *Handle) []heartbeat.Option {
	opts := []heartbeat.Option{
		heartbeat.WithLogger(s.logger),
		heartbeat.WithDeviceID(h.udid),
	}
	if s.proto != nil {
		opts = append(opts, heartbeat.WithProtocolLogger(s.proto, h.connID))
	}
	if s.metrics != nil {
		opts = append(opts,
			heartbeat.WithBeatObserver(s.metrics.BeatObserver(h.udid)),
			heartbeat.WithStateObserver(s.metrics.StateObserver(h.udid)))
	}
	return opts
}

// dialer opens a channel to the lockdown port and runs the handshake.
func (s *Supervisor) dialer(udid, connID string, cred *pairing.Credential) heartbeat.DialFunc {
	return func(ctx context.Context) (heartbeat.Beater, error) {
		ch, err := s.mux.Connect(ctx, udid, s.config.Port)
		if err != nil {
			return nil, err
		}
		cfg := s.config.Lockdown
		cfg.DeviceID = udid
		cfg.ConnectionID = connID
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		if cfg.ProtocolLogger == nil {
			cfg.ProtocolLogger = s.proto
		}
		sess, err := lockdown.Upgrade(ctx, ch, cred, cfg)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func (s *Supervisor) run(h *Handle) {
	defer close(h.done)

	err := h.session.Run(h.ctx)
	if errors.Is(err, heartbeat.ErrStopped) {
		return
	}
	s.logger.Warn("supervisor: session terminated", "device_id", h.udid, "error", err)
	for _, fn := range s.onTerminate {
		fn(h.udid, err)
	}
}

// Stop cancels the session for udid and waits for its teardown.
// The record is removed before Stop returns.
func (s *Supervisor) Stop(udid string) error {
	s.mu.Lock()
	h, ok := s.sessions[udid]
	if ok {
		delete(s.sessions, udid)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.shutdown(h)
	s.logger.Info("supervisor: session stopped", "device_id", udid)
	return nil
}

// Status returns the state of the session for udid.
func (s *Supervisor) Status(udid string) (heartbeat.Snapshot, error) {
	s.mu.RLock()
	h, ok := s.sessions[udid]
	s.mu.RUnlock()
	if !ok {
		return heartbeat.Snapshot{}, ErrNotFound
	}
	return h.Snapshot(), nil
}

// Handle returns the handle for udid.
func (s *Supervisor) Handle(udid string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[udid]
	return h, ok
}

// Sessions returns the UDIDs of all registered sessions, sorted.
func (s *Supervisor) Sessions() []string {
	s.mu.RLock()
	udids := make([]string, 0, len(s.sessions))
	for udid := range s.sessions {
		udids = append(udids, udid)
	}
	s.mu.RUnlock()
	slices.Sort(udids)
	return udids
}

// Ready reports whether the session for udid is Active and its last beat
// succeeded.
func (s *Supervisor) Ready(udid string) bool {
	snap, err := s.Status(udid)
	if err != nil {
		return false
	}
	return snap.State == heartbeat.StateActive && snap.ConsecutiveFailures == 0
}

// Close stops every session and refuses further starts.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.sessions))
	for udid, h := range s.sessions {
		handles = append(handles, h)
		delete(s.sessions, udid)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.shutdown(h)
		}()
	}
	wg.Wait()
	return nil
}

// shutdown cancels an unregistered h and waits until its session is
// torn down.
func (s *Supervisor) shutdown(h *Handle) {
	h.cancel()
	<-h.done
	s.dropped(h)
}

// remove drops the record for udid if it still belongs to h.
func (s *Supervisor) remove(udid string, h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[udid] != h {
		return false
	}
	delete(s.sessions, udid)
	return true
}

// dropped accounts for a removed record whose session has terminated.
func (s *Supervisor) dropped(h *Handle) {
	if s.metrics != nil {
		s.metrics.SessionRemoved(h.session.State())
	}
}
