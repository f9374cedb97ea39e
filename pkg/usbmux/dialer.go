package usbmux

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Socket defaults.
const (
	// DefaultSocketPath is where the multiplexing relay listens. It takes
	// the usbmuxd path so the relay can stand in for the daemon.
	DefaultSocketPath = "/var/run/usbmuxd"

	// SocketAddressEnv overrides the socket address ("UNIX:/path" or "host:port").
	SocketAddressEnv = "USBMUXD_SOCKET_ADDRESS"

	// DefaultDialTimeout bounds a single dial attempt.
	DefaultDialTimeout = 5 * time.Second
)

// Dialer opens the shared transport to the multiplexer.
// The transport is an opaque reliable byte stream.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// SocketDialer dials the multiplexer daemon over a unix or TCP socket.
type SocketDialer struct {
	Network string
	Address string
	Timeout time.Duration
}

// NewSocketDialer parses addr. An empty addr falls back to the
// USBMUXD_SOCKET_ADDRESS environment variable, then to DefaultSocketPath.
func NewSocketDialer(addr string) SocketDialer {
	if addr == "" {
		addr = os.Getenv(SocketAddressEnv)
	}
	if addr == "" {
		addr = DefaultSocketPath
	}

	d := SocketDialer{Network: "tcp", Address: addr, Timeout: DefaultDialTimeout}
	switch {
	case strings.HasPrefix(strings.ToUpper(addr), "UNIX:"):
		d.Network = "unix"
		d.Address = addr[len("UNIX:"):]
	case strings.HasPrefix(addr, "/"):
		d.Network = "unix"
	}
	return d
}

// Dial implements Dialer.
func (d SocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, d.Network, d.Address)
}

// String returns the dial target.
func (d SocketDialer) String() string {
	return d.Network + ":" + d.Address
}
