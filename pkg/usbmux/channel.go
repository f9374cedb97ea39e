package usbmux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// outboundChunk bounds the payload of one data envelope.
const outboundChunk = 16 * 1024

// Addr identifies one end of a channel.
type Addr struct {
	UDID string
	Port uint16
}

// Network implements net.Addr.
func (a Addr) Network() string { return "usbmux" }

// String implements net.Addr.
func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.UDID, a.Port) }

// Channel is a logical bidirectional stream to one port on one device,
// multiplexed over the shared transport.
//
// Channel is a net.Conn, so it can be wrapped with crypto/tls and
// supports deadlines. Send and Receive exchange length-prefixed messages
// on top of the byte stream.
type Channel struct {
	net.Conn // local end; remote is driven by the pumps

	id     uint32
	udid   string
	port   uint16
	connID string
	t      *transport
	remote net.Conn
	framer *Framer

	inbound     chan []byte
	inboundOnce sync.Once
	peerClose   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ net.Conn = (*Channel)(nil)

func newChannel(t *transport, id uint32, udid string, port uint16) *Channel {
	local, remote := net.Pipe()
	ch := &Channel{
		Conn:    local,
		id:      id,
		udid:    udid,
		port:    port,
		connID:  uuid.New().String(),
		t:       t,
		remote:  remote,
		inbound: make(chan []byte, t.client.config.ChannelBuffer),
		done:    make(chan struct{}),
	}
	ch.framer = NewFramer(local)
	return ch
}

// ID returns the multiplexer channel number.
func (ch *Channel) ID() uint32 { return ch.id }

// DeviceID returns the UDID of the device at the other end.
func (ch *Channel) DeviceID() string { return ch.udid }

// Port returns the device port.
func (ch *Channel) Port() uint16 { return ch.port }

// ConnectionID returns the identifier used in protocol logs.
func (ch *Channel) ConnectionID() string { return ch.connID }

// LocalAddr implements net.Conn.
func (ch *Channel) LocalAddr() net.Addr { return Addr{UDID: "host", Port: uint16(ch.id)} }

// RemoteAddr implements net.Conn.
func (ch *Channel) RemoteAddr() net.Addr { return Addr{UDID: ch.udid, Port: ch.port} }

// Done is closed when the channel is closed locally.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err returns the reason the channel stopped working, or nil.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Send writes one length-prefixed message.
func (ch *Channel) Send(msg []byte) error {
	if err := ch.framer.WriteFrame(msg); err != nil {
		if errors.Is(err, ErrFraming) {
			return err
		}
		return ch.ioError(err)
	}
	return nil
}

// Receive reads one length-prefixed message. A positive timeout bounds
// the wait; on timeout the channel stays usable.
func (ch *Channel) Receive(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		ch.Conn.SetReadDeadline(time.Now().Add(timeout))
		defer ch.Conn.SetReadDeadline(time.Time{})
	}

	msg, err := ch.framer.ReadFrame()
	if err != nil {
		if errors.Is(err, ErrFraming) {
			ch.closeWithError(err)
			return nil, err
		}
		return nil, ch.ioError(err)
	}
	return msg, nil
}

// SetMaxMessageSize updates the maximum message size accepted by Receive.
func (ch *Channel) SetMaxMessageSize(size uint32) {
	ch.framer.SetMaxMessageSize(size)
}

// Close closes the channel and tells the daemon. Idempotent.
func (ch *Channel) Close() error {
	ch.closeWithError(ErrChannelClosed)
	return nil
}

func (ch *Channel) closeWithError(reason error) {
	ch.closeOnce.Do(func() {
		ch.setErr(reason)
		close(ch.done)
		ch.Conn.Close()
		ch.remote.Close()
		ch.t.unregister(ch.id)

		if !ch.peerClose.Load() && !ch.t.isDone() {
			if err := ch.t.writer.WriteEnvelope(MessageClose, ch.id, nil); err != nil {
				ch.t.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
		}
		ch.t.client.logger.Debug("usbmux: channel closed",
			"conn_id", ch.connID, "device_id", ch.udid, "port", ch.port, "reason", reason)
		ch.t.client.release(ch.t)
	})
}

// ioError maps a pipe error to the reason the channel stopped.
func (ch *Channel) ioError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if cerr := ch.Err(); cerr != nil {
		return cerr
	}
	if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return err
}

func (ch *Channel) setErr(err error) {
	ch.mu.Lock()
	if ch.err == nil {
		ch.err = err
	}
	ch.mu.Unlock()
}

func (ch *Channel) start() {
	go ch.inboundPump()
	go ch.outboundPump()
}

// discard releases a channel that never completed Connect.
func (ch *Channel) discard() {
	ch.closeOnce.Do(func() {
		ch.setErr(ErrChannelClosed)
		close(ch.done)
		ch.Conn.Close()
		ch.remote.Close()
	})
}

// deliver queues an inbound payload. Called only by the reader goroutine.
func (ch *Channel) deliver(p []byte) {
	select {
	case ch.inbound <- p:
	case <-ch.done:
	default:
		// Closing writes to the transport; never do that from the reader.
		go ch.closeWithError(ErrBufferOverflow)
	}
}

// peerClosed handles a close from the device. Queued data is drained
// before readers see EOF.
func (ch *Channel) peerClosed() {
	ch.peerClose.Store(true)
	ch.finishInbound()
}

// transportLost fails the channel after the shared transport died.
func (ch *Channel) transportLost(err error) {
	ch.setErr(err)
	ch.peerClose.Store(true)
	ch.finishInbound()
}

func (ch *Channel) finishInbound() {
	ch.inboundOnce.Do(func() { close(ch.inbound) })
}

func (ch *Channel) inboundPump() {
	for {
		select {
		case p, ok := <-ch.inbound:
			if !ok {
				ch.remote.Close()
				return
			}
			if _, err := ch.remote.Write(p); err != nil {
				return
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) outboundPump() {
	buf := make([]byte, outboundChunk)
	for {
		n, err := ch.remote.Read(buf)
		if n > 0 {
			if werr := ch.t.writer.WriteEnvelope(MessageData, ch.id, buf[:n]); werr != nil {
				ch.t.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, werr))
				return
			}
		}
		if err != nil {
			return
		}
	}
}
