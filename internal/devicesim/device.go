package devicesim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/pairing"
)

// FailureMode selects how a device stops answering heartbeats.
type FailureMode int

const (
	// FailSilent stops answering; the host times out.
	FailSilent FailureMode = iota

	// FailHangup closes the channel.
	FailHangup
)

// Behavior controls how a simulated device answers.
type Behavior struct {
	// ServiceType is the QueryType answer (default: lockdown.ServiceType).
	ServiceType string

	// ProductVersion is the GetValue ProductVersion answer (default: "17.0").
	ProductVersion string

	// EnableSSL makes StartSession request a TLS upgrade.
	EnableSSL bool

	// SessionError is returned by StartSession instead of a session.
	SessionError string

	// RefuseConnect makes the multiplexer refuse channels to this device.
	RefuseConnect bool

	// BeatLimit is the number of heartbeats answered before Failure
	// applies. Zero answers every heartbeat.
	BeatLimit int

	// Failure is applied once BeatLimit is exceeded.
	Failure FailureMode

	// BeatDelay delays every heartbeat answer.
	BeatDelay time.Duration
}

// Device is a simulated device.
type Device struct {
	udid string
	pair *pairing.Pair

	mu       sync.Mutex
	behavior Behavior

	beats    atomic.Int64
	sessions atomic.Int64
}

// NewDevice creates a device with freshly generated pairing material.
func NewDevice(udid string, b Behavior) (*Device, error) {
	pair, err := pairing.Generate(udid)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing: %w", err)
	}
	return &Device{udid: udid, pair: pair, behavior: b}, nil
}

// UDID returns the device identifier.
func (d *Device) UDID() string { return d.udid }

// PairRecord returns the host-side pairing record as an XML property list.
func (d *Device) PairRecord() ([]byte, error) {
	cred, err := pairing.New(d.pair.Record)
	if err != nil {
		return nil, err
	}
	return pairing.Encode(cred, pairing.FormatXML)
}

// Record returns the host-side pairing record.
func (d *Device) Record() pairing.Record { return d.pair.Record }

// SetBehavior replaces the device behavior. Sessions already running
// observe the change on their next request.
func (d *Device) SetBehavior(b Behavior) {
	d.mu.Lock()
	d.behavior = b
	d.mu.Unlock()
}

// Behavior returns the current behavior.
func (d *Device) Behavior() Behavior {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.behavior
	if b.ServiceType == "" {
		b.ServiceType = lockdown.ServiceType
	}
	if b.ProductVersion == "" {
		b.ProductVersion = "17.0"
	}
	return b
}

// Beats returns the number of heartbeats received.
func (d *Device) Beats() int { return int(d.beats.Load()) }

// Sessions returns the number of lockdown sessions started.
func (d *Device) Sessions() int { return int(d.sessions.Load()) }
