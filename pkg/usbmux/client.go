package usbmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/google/uuid"
)

// Client defaults.
const (
	// DefaultRequestTimeout bounds a control request when the context has no deadline.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultChannelBuffer is the number of inbound envelopes queued per channel.
	DefaultChannelBuffer = 256

	// DefaultProgName identifies this program to the multiplexer daemon.
	DefaultProgName = "devkeep"
)

// Config configures a multiplexer client.
type Config struct {
	// MaxEnvelopeSize is the maximum envelope size (default: 1 MB).
	MaxEnvelopeSize uint32

	// ChannelBuffer is the inbound queue depth per channel (default: 256).
	ChannelBuffer int

	// CloseWhenIdle closes the shared transport when its last user is done.
	CloseWhenIdle bool

	// RequestTimeout bounds control requests (default: 10s).
	RequestTimeout time.Duration

	// Client identifies this program in control requests.
	Client ClientInfo

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives envelope events. Nil disables capture.
	ProtocolLogger log.Logger
}

// Client is a multiplexer client. It owns the shared transport and the
// demultiplexing table of the channels opened over it.
type Client struct {
	dialer Dialer
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	t      *transport
	closed bool
}

// NewClient creates a multiplexer client. The transport is dialed lazily.
func NewClient(dialer Dialer, config Config) *Client {
	if config.MaxEnvelopeSize == 0 {
		config.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
	if config.ChannelBuffer <= 0 {
		config.ChannelBuffer = DefaultChannelBuffer
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Client.ProgName == "" {
		config.Client.ProgName = DefaultProgName
	}
	if config.Client.ClientVersionString == "" {
		config.Client.ClientVersionString = DefaultProgName + "-1.0"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		dialer: dialer,
		config: config,
		logger: logger,
	}
}

// Devices lists the attached devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	t, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(t)

	return t.listDevices(ctx)
}

// Connect opens a channel to port on the device with the given UDID.
func (c *Client) Connect(ctx context.Context, udid string, port uint16) (*Channel, error) {
	if udid == "" {
		return nil, fmt.Errorf("%w: empty UDID", ErrDeviceNotFound)
	}

	t, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := t.connect(ctx, udid, port)
	if err != nil {
		c.release(t)
		return nil, err
	}
	return ch, nil
}

// ReadPairRecord fetches the pairing record the daemon stores for udid.
func (c *Client) ReadPairRecord(ctx context.Context, udid string) ([]byte, error) {
	t, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(t)

	req := ReadPairRecordRequest{
		MessageType:         MsgReadPairRecord,
		ProgName:            c.config.Client.ProgName,
		ClientVersionString: c.config.Client.ClientVersionString,
		BundleID:            c.config.Client.BundleID,
		LibUSBMuxVersion:    LibUSBMuxVersion,
		PairRecordID:        udid,
	}
	reply, err := t.request(ctx, t.nextTag.Add(1), req)
	if err != nil {
		return nil, err
	}

	msgType, err := MessageType(reply)
	if err != nil {
		return nil, err
	}
	if msgType == MsgResult {
		var res Result
		if err := DecodeMessage(reply, &res); err != nil {
			return nil, err
		}
		if err := resultError(res.Number); err != nil {
			return nil, fmt.Errorf("read pair record %s: %w", udid, err)
		}
	}

	var resp PairRecordResponse
	if err := DecodeMessage(reply, &resp); err != nil {
		return nil, err
	}
	if len(resp.PairRecordData) == 0 {
		return nil, fmt.Errorf("read pair record %s: %w", udid, ErrDeviceNotFound)
	}
	return resp.PairRecordData, nil
}

// Close closes the shared transport and every channel on it.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	t := c.t
	c.t = nil
	c.mu.Unlock()

	if t != nil {
		t.shutdown(ErrTransportClosed)
		<-t.readerDone
	}
	return nil
}

// acquire returns the live transport, dialing a new one if needed, and
// takes a reference on it.
func (c *Client) acquire(ctx context.Context) (*transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrTransportClosed
	}
	if c.t != nil && !c.t.isDone() {
		c.t.refs++
		return c.t, nil
	}

	rwc, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrTransportClosed, err)
	}

	t := newTransport(c, rwc)
	t.refs = 1
	c.t = t
	go t.run()

	c.logger.Debug("usbmux: transport opened", "conn_id", t.id)
	return t, nil
}

// release drops a reference taken by acquire.
func (c *Client) release(t *transport) {
	c.mu.Lock()
	t.refs--
	idle := t.refs <= 0 && c.config.CloseWhenIdle && c.t == t
	if idle {
		c.t = nil
	}
	c.mu.Unlock()

	if idle {
		c.logger.Debug("usbmux: closing idle transport", "conn_id", t.id)
		t.shutdown(ErrTransportClosed)
	}
}

// forget detaches a dead transport so the next acquire re-dials.
func (c *Client) forget(t *transport) {
	c.mu.Lock()
	if c.t == t {
		c.t = nil
	}
	c.mu.Unlock()
}

// transport is one dialed connection to the multiplexer daemon.
type transport struct {
	client *Client
	id     string
	rwc    io.ReadWriteCloser
	reader *EnvelopeReader
	writer *EnvelopeWriter

	nextTag atomic.Uint32
	refs    int // guarded by client.mu

	mu       sync.Mutex
	channels map[uint32]*Channel
	pending  map[uint32]chan []byte

	err        error
	done       chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
}

func newTransport(c *Client, rwc io.ReadWriteCloser) *transport {
	t := &transport{
		client:     c,
		id:         uuid.New().String(),
		rwc:        rwc,
		reader:     NewEnvelopeReader(rwc, c.config.MaxEnvelopeSize),
		writer:     NewEnvelopeWriter(rwc, c.config.MaxEnvelopeSize),
		channels:   make(map[uint32]*Channel),
		pending:    make(map[uint32]chan []byte),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if c.config.ProtocolLogger != nil {
		t.reader.SetLogger(c.config.ProtocolLogger, t.id)
		t.writer.SetLogger(c.config.ProtocolLogger, t.id)
	}
	return t
}

func (t *transport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// shutdown marks the transport dead and closes the socket. The reader
// goroutine then fails every channel. Idempotent.
func (t *transport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
		t.rwc.Close()
	})
}

// run is the single reader goroutine: it demultiplexes envelopes until
// the transport fails.
func (t *transport) run() {
	defer close(t.readerDone)

	var err error
	for {
		h, payload, rerr := t.reader.ReadEnvelope()
		if rerr != nil {
			err = rerr
			break
		}
		t.dispatch(h, payload)
	}

	switch {
	case errors.Is(err, ErrFraming):
		t.client.logger.Warn("usbmux: framing error, failing transport", "conn_id", t.id, "error", err)
		t.shutdown(err)
	default:
		t.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
	}
	t.client.forget(t)

	t.mu.Lock()
	channels := t.channels
	t.channels = make(map[uint32]*Channel)
	t.mu.Unlock()

	for _, ch := range channels {
		ch.transportLost(t.err)
	}
}

func (t *transport) dispatch(h Header, payload []byte) {
	switch h.Type {
	case MessagePlist:
		t.mu.Lock()
		rc, ok := t.pending[h.Tag]
		delete(t.pending, h.Tag)
		t.mu.Unlock()
		if !ok {
			t.client.logger.Debug("usbmux: unsolicited control message", "conn_id", t.id, "tag", h.Tag)
			return
		}
		rc <- payload

	case MessageData:
		ch := t.channel(h.Tag, false)
		if ch == nil {
			t.client.logger.Debug("usbmux: data for unknown channel", "conn_id", t.id, "tag", h.Tag)
			return
		}
		ch.deliver(payload)

	case MessageClose:
		if ch := t.channel(h.Tag, true); ch != nil {
			ch.peerClosed()
		}

	default:
		t.client.logger.Warn("usbmux: ignoring unknown envelope type", "conn_id", t.id, "type", h.Type)
	}
}

func (t *transport) channel(id uint32, remove bool) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channels[id]
	if remove {
		delete(t.channels, id)
	}
	return ch
}

func (t *transport) register(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone() {
		return t.err
	}
	t.channels[ch.id] = ch
	return nil
}

func (t *transport) unregister(id uint32) {
	t.mu.Lock()
	delete(t.channels, id)
	t.mu.Unlock()
}

// request sends a control message and waits for the reply with the same tag.
func (t *transport) request(ctx context.Context, tag uint32, msg any) ([]byte, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.client.config.RequestTimeout)
		defer cancel()
	}

	rc := make(chan []byte, 1)
	t.mu.Lock()
	if t.isDone() {
		t.mu.Unlock()
		return nil, t.err
	}
	t.pending[tag] = rc
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, tag)
		t.mu.Unlock()
	}()

	if err := t.writer.WriteEnvelope(MessagePlist, tag, payload); err != nil {
		// A partial write leaves the stream unusable.
		t.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
		return nil, t.err
	}

	select {
	case reply := <-rc:
		return reply, nil
	case <-t.done:
		return nil, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *transport) listDevices(ctx context.Context) ([]Device, error) {
	info := t.client.config.Client
	reply, err := t.request(ctx, t.nextTag.Add(1), ListDevicesRequest{
		MessageType:         MsgListDevices,
		ProgName:            info.ProgName,
		ClientVersionString: info.ClientVersionString,
		BundleID:            info.BundleID,
		LibUSBMuxVersion:    LibUSBMuxVersion,
	})
	if err != nil {
		return nil, err
	}

	var list DeviceList
	if err := DecodeMessage(reply, &list); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(list.DeviceList))
	for _, d := range list.DeviceList {
		devices = append(devices, Device{
			ID:             d.DeviceID,
			UDID:           d.Properties.SerialNumber,
			ConnectionType: d.Properties.ConnectionType,
		})
	}
	return devices, nil
}

func (t *transport) connect(ctx context.Context, udid string, port uint16) (*Channel, error) {
	devices, err := t.listDevices(ctx)
	if err != nil {
		return nil, err
	}

	deviceID := -1
	for _, d := range devices {
		if d.UDID == udid {
			deviceID = d.ID
			break
		}
	}
	if deviceID < 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, udid)
	}

	// Register before sending Connect so data following the Result is
	// never dropped.
	tag := t.nextTag.Add(1)
	ch := newChannel(t, tag, udid, port)
	if err := t.register(ch); err != nil {
		return nil, err
	}

	info := t.client.config.Client
	reply, err := t.request(ctx, tag, ConnectRequest{
		MessageType:         MsgConnect,
		ProgName:            info.ProgName,
		ClientVersionString: info.ClientVersionString,
		BundleID:            info.BundleID,
		LibUSBMuxVersion:    LibUSBMuxVersion,
		DeviceID:            deviceID,
		PortNumber:          HostToNetworkPort(port),
	})
	if err == nil {
		var res Result
		if err = DecodeMessage(reply, &res); err == nil {
			err = resultError(res.Number)
		}
	}
	if err != nil {
		t.unregister(tag)
		ch.discard()
		return nil, fmt.Errorf("connect %s port %d: %w", udid, port, err)
	}

	ch.start()
	t.client.logger.Debug("usbmux: channel opened",
		"conn_id", ch.connID, "device_id", udid, "port", port, "channel", tag)
	return ch, nil
}
