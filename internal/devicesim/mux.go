package devicesim

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// ErrClosed is returned by Dial after Close.
var ErrClosed = errors.New("devicesim: closed")

// channelBuffer is the inbound queue depth per simulated channel.
const channelBuffer = 256

// Mux simulates the multiplexer daemon. It implements usbmux.Dialer.
type Mux struct {
	mu      sync.Mutex
	devices []*Device
	ids     map[string]int
	nextID  int
	conns   map[*muxConn]struct{}
	dialErr error
	closed  bool

	dials    atomic.Int64
	channels atomic.Int64
	opened   atomic.Int64
}

var _ usbmux.Dialer = (*Mux)(nil)

// NewMux creates a multiplexer with the given devices attached.
func NewMux(devices ...*Device) *Mux {
	m := &Mux{
		ids:   make(map[string]int),
		conns: make(map[*muxConn]struct{}),
	}
	for _, d := range devices {
		m.Attach(d)
	}
	return m
}

// Attach adds a device.
func (m *Mux) Attach(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[d.udid]; ok {
		return
	}
	m.nextID++
	m.ids[d.udid] = m.nextID
	m.devices = append(m.devices, d)
}

// Detach removes a device. Open channels to it are hung up.
func (m *Mux) Detach(udid string) {
	m.mu.Lock()
	delete(m.ids, udid)
	for i, d := range m.devices {
		if d.udid == udid {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	conns := m.connList()
	m.mu.Unlock()

	for _, c := range conns {
		c.hangup(udid)
	}
}

// SetDialError makes subsequent dials fail with err. Nil restores dialing.
func (m *Mux) SetDialError(err error) {
	m.mu.Lock()
	m.dialErr = err
	m.mu.Unlock()
}

// Dial implements usbmux.Dialer.
func (m *Mux) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	m.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.dialErr != nil {
		return nil, m.dialErr
	}

	host, daemon := net.Pipe()
	c := &muxConn{
		m:        m,
		conn:     daemon,
		reader:   usbmux.NewEnvelopeReader(daemon, 0),
		writer:   usbmux.NewEnvelopeWriter(daemon, 0),
		channels: make(map[uint32]*simChannel),
	}
	m.conns[c] = struct{}{}
	go c.serve()
	return host, nil
}

// Dials returns the number of Dial calls.
func (m *Mux) Dials() int { return int(m.dials.Load()) }

// OpenChannels returns the number of channels currently open.
func (m *Mux) OpenChannels() int { return int(m.channels.Load()) }

// ChannelsOpened returns the number of channels ever opened.
func (m *Mux) ChannelsOpened() int { return int(m.opened.Load()) }

// Transports returns the number of live transports.
func (m *Mux) Transports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// InjectRaw writes raw bytes on every live transport, bypassing framing.
func (m *Mux) InjectRaw(data []byte) {
	m.mu.Lock()
	conns := m.connList()
	m.mu.Unlock()
	for _, c := range conns {
		c.writeMu.Lock()
		c.conn.Write(data)
		c.writeMu.Unlock()
	}
}

// Close drops every transport and refuses new dials.
func (m *Mux) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := m.connList()
	m.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
	return nil
}

func (m *Mux) connList() []*muxConn {
	conns := make([]*muxConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *Mux) lookupID(id int) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if m.ids[d.udid] == id {
			return d
		}
	}
	return nil
}

func (m *Mux) lookupUDID(udid string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.udid == udid {
			return d
		}
	}
	return nil
}

func (m *Mux) deviceList() usbmux.DeviceList {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := usbmux.DeviceList{DeviceList: make([]usbmux.DeviceAttachment, 0, len(m.devices))}
	for _, d := range m.devices {
		id := m.ids[d.udid]
		list.DeviceList = append(list.DeviceList, usbmux.DeviceAttachment{
			DeviceID:    id,
			MessageType: usbmux.MsgAttached,
			Properties: usbmux.DeviceProperties{
				ConnectionType: "USB",
				DeviceID:       id,
				SerialNumber:   d.udid,
			},
		})
	}
	return list
}

// muxConn is the daemon end of one transport.
type muxConn struct {
	m      *Mux
	conn   net.Conn
	reader *usbmux.EnvelopeReader
	writer *usbmux.EnvelopeWriter

	// writeMu keeps InjectRaw from interleaving with envelopes.
	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]*simChannel
}

func (c *muxConn) serve() {
	defer func() {
		c.conn.Close()
		c.m.mu.Lock()
		delete(c.m.conns, c)
		c.m.mu.Unlock()

		c.mu.Lock()
		channels := c.channels
		c.channels = make(map[uint32]*simChannel)
		c.mu.Unlock()
		for _, sc := range channels {
			sc.hostClosed.Store(true)
			sc.finishInbound()
		}
	}()

	for {
		h, payload, err := c.reader.ReadEnvelope()
		if err != nil {
			return
		}
		switch h.Type {
		case usbmux.MessagePlist:
			if err := c.control(h.Tag, payload); err != nil {
				return
			}
		case usbmux.MessageData:
			if sc := c.channel(h.Tag, false); sc != nil {
				sc.deliver(payload)
			}
		case usbmux.MessageClose:
			if sc := c.channel(h.Tag, true); sc != nil {
				sc.hostClosed.Store(true)
				sc.finishInbound()
			}
		}
	}
}

func (c *muxConn) write(typ, tag uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteEnvelope(typ, tag, payload)
}

func (c *muxConn) reply(tag uint32, msg any) error {
	payload, err := usbmux.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.write(usbmux.MessagePlist, tag, payload)
}

func (c *muxConn) result(tag uint32, n int) error {
	return c.reply(tag, usbmux.Result{MessageType: usbmux.MsgResult, Number: n})
}

func (c *muxConn) control(tag uint32, payload []byte) error {
	msgType, err := usbmux.MessageType(payload)
	if err != nil {
		return err
	}

	switch msgType {
	case usbmux.MsgListDevices:
		return c.reply(tag, c.m.deviceList())

	case usbmux.MsgConnect:
		var req usbmux.ConnectRequest
		if err := usbmux.DecodeMessage(payload, &req); err != nil {
			return err
		}
		d := c.m.lookupID(req.DeviceID)
		if d == nil {
			return c.result(tag, usbmux.ResultBadDevice)
		}
		port := usbmux.HostToNetworkPort(req.PortNumber)
		if port != lockdown.Port || d.Behavior().RefuseConnect {
			return c.result(tag, usbmux.ResultConnRefused)
		}

		sc := c.open(tag, d)
		if err := c.result(tag, usbmux.ResultOK); err != nil {
			return err
		}
		sc.start()
		return nil

	case usbmux.MsgReadPairRecord:
		var req usbmux.ReadPairRecordRequest
		if err := usbmux.DecodeMessage(payload, &req); err != nil {
			return err
		}
		d := c.m.lookupUDID(req.PairRecordID)
		if d == nil {
			return c.result(tag, usbmux.ResultBadDevice)
		}
		data, err := d.PairRecord()
		if err != nil {
			return c.result(tag, usbmux.ResultBadDevice)
		}
		return c.reply(tag, usbmux.PairRecordResponse{PairRecordData: data})

	default:
		return c.result(tag, usbmux.ResultBadCommand)
	}
}

func (c *muxConn) open(id uint32, d *Device) *simChannel {
	local, remote := net.Pipe()
	sc := &simChannel{
		id:      id,
		dev:     d,
		c:       c,
		local:   local,
		remote:  remote,
		inbound: make(chan []byte, channelBuffer),
	}
	c.mu.Lock()
	c.channels[id] = sc
	c.mu.Unlock()
	c.m.channels.Add(1)
	c.m.opened.Add(1)
	return sc
}

func (c *muxConn) channel(id uint32, remove bool) *simChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.channels[id]
	if remove {
		delete(c.channels, id)
	}
	return sc
}

func (c *muxConn) hangup(udid string) {
	c.mu.Lock()
	var victims []*simChannel
	for _, sc := range c.channels {
		if sc.dev.udid == udid {
			victims = append(victims, sc)
		}
	}
	c.mu.Unlock()
	for _, sc := range victims {
		sc.local.Close()
	}
}

// simChannel is the device end of one channel.
type simChannel struct {
	id     uint32
	dev    *Device
	c      *muxConn
	local  net.Conn // served by the device
	remote net.Conn // driven by the pumps

	inbound     chan []byte
	inboundOnce sync.Once
	hostClosed  atomic.Bool
	doneOnce    sync.Once
}

func (sc *simChannel) start() {
	go sc.inboundPump()
	go sc.outboundPump()
	go func() {
		sc.dev.serveLockdown(sc.local)
		sc.finish()
	}()
}

func (sc *simChannel) deliver(p []byte) {
	select {
	case sc.inbound <- p:
	default:
		sc.local.Close()
	}
}

func (sc *simChannel) finishInbound() {
	sc.inboundOnce.Do(func() { close(sc.inbound) })
}

func (sc *simChannel) finish() {
	sc.doneOnce.Do(func() {
		sc.c.channel(sc.id, true)
		sc.c.m.channels.Add(-1)
	})
}

func (sc *simChannel) inboundPump() {
	for p := range sc.inbound {
		if _, err := sc.remote.Write(p); err != nil {
			break
		}
	}
	sc.remote.Close()
}

func (sc *simChannel) outboundPump() {
	buf := make([]byte, 16*1024)
	for {
		n, err := sc.remote.Read(buf)
		if n > 0 {
			if werr := sc.c.write(usbmux.MessageData, sc.id, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	if !sc.hostClosed.Load() {
		sc.c.write(usbmux.MessageClose, sc.id, nil)
	}
}
