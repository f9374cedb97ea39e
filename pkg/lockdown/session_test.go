package lockdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkeep/devkeep-go/internal/devicesim"
	"github.com/devkeep/devkeep-go/pkg/lockdown"
	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/pairing"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

type harness struct {
	dev    *devicesim.Device
	mux    *devicesim.Mux
	client *usbmux.Client
}

func newHarness(t *testing.T, b devicesim.Behavior) *harness {
	t.Helper()
	dev, err := devicesim.NewDevice("DEV1", b)
	require.NoError(t, err)
	mux := devicesim.NewMux(dev)
	client := usbmux.NewClient(mux, usbmux.Config{})
	t.Cleanup(func() {
		client.Close()
		mux.Close()
	})
	return &harness{dev: dev, mux: mux, client: client}
}

func (h *harness) credential(t *testing.T) *pairing.Credential {
	t.Helper()
	cred, err := pairing.New(h.dev.Record())
	require.NoError(t, err)
	return cred
}

func (h *harness) channel(t *testing.T) *usbmux.Channel {
	t.Helper()
	ch, err := h.client.Connect(context.Background(), "DEV1", lockdown.Port)
	require.NoError(t, err)
	return ch
}

func (h *harness) upgrade(t *testing.T, cfg lockdown.Config) *lockdown.Session {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	s, err := lockdown.Upgrade(context.Background(), h.channel(t), h.credential(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpgradePlainSession(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{ProductVersion: "16.4"})
	s := h.upgrade(t, lockdown.Config{DeviceID: "DEV1"})

	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, "16.4", s.ProductVersion())
	assert.Equal(t, "DEV1", s.DeviceID())
	assert.NotEmpty(t, s.ConnectionID())
	assert.False(t, s.Encrypted())
	assert.NoError(t, s.Err())
	assert.Equal(t, 1, h.dev.Sessions())

	require.NoError(t, s.Beat(context.Background(), time.Second))
	assert.Equal(t, 1, h.dev.Beats())

	v, err := s.GetValue(context.Background(), "", "ProductVersion")
	require.NoError(t, err)
	assert.Equal(t, "16.4", v)
}

func TestUpgradeEncryptedSession(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{EnableSSL: true})
	s := h.upgrade(t, lockdown.Config{})

	assert.True(t, s.Encrypted())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Beat(context.Background(), time.Second))
	}
	assert.Equal(t, 3, h.dev.Beats())
}

func TestUpgradeFailures(t *testing.T) {
	tests := []struct {
		name     string
		behavior devicesim.Behavior
		want     error
	}{
		{"WrongServiceType", devicesim.Behavior{ServiceType: "com.example.other"}, lockdown.ErrProtocolVersionMismatch},
		{"InvalidHostID", devicesim.Behavior{SessionError: "InvalidHostID"}, lockdown.ErrAuthenticationRejected},
		{"PasswordProtected", devicesim.Behavior{SessionError: "PasswordProtected"}, lockdown.ErrAuthenticationRejected},
		{"UserDeniedPairing", devicesim.Behavior{SessionError: "UserDeniedPairing"}, lockdown.ErrAuthenticationRejected},
		{"InvalidProtocolVersion", devicesim.Behavior{SessionError: "InvalidProtocolVersion"}, lockdown.ErrProtocolVersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.behavior)
			ch := h.channel(t)

			_, err := lockdown.Upgrade(context.Background(), ch, h.credential(t), lockdown.Config{Timeout: time.Second})
			assert.ErrorIs(t, err, tt.want)

			select {
			case <-ch.Done():
			default:
				t.Fatal("channel left open after a failed handshake")
			}
		})
	}
}

func TestUpgradeForeignCredential(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{})
	other, err := pairing.Generate("DEV1")
	require.NoError(t, err)
	cred, err := pairing.New(other.Record)
	require.NoError(t, err)

	_, err = lockdown.Upgrade(context.Background(), h.channel(t), cred, lockdown.Config{Timeout: time.Second})
	assert.ErrorIs(t, err, lockdown.ErrAuthenticationRejected)
	assert.Zero(t, h.dev.Sessions())
}

func TestUpgradePinsDeviceCertificate(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{EnableSSL: true})
	other, err := pairing.Generate("OTHER")
	require.NoError(t, err)

	// Right host identity, wrong device certificate.
	rec := h.dev.Record()
	rec.DeviceCertificate = other.Record.DeviceCertificate
	cred, err := pairing.New(rec)
	require.NoError(t, err)

	ch := h.channel(t)
	_, err = lockdown.Upgrade(context.Background(), ch, cred, lockdown.Config{Timeout: time.Second})
	assert.ErrorIs(t, err, lockdown.ErrAuthenticationRejected)
	<-ch.Done()
}

func TestUpgradeWithoutCredential(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{})
	ch := h.channel(t)

	_, err := lockdown.Upgrade(context.Background(), ch, nil, lockdown.Config{})
	assert.ErrorIs(t, err, lockdown.ErrAuthenticationRejected)
	<-ch.Done()
}

func TestBeatTimeoutKeepsSession(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{BeatLimit: 1, Failure: devicesim.FailSilent})
	s := h.upgrade(t, lockdown.Config{})
	ctx := context.Background()

	require.NoError(t, s.Beat(ctx, time.Second))

	err := s.Beat(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, lockdown.ErrTimeout)
	assert.ErrorIs(t, err, lockdown.ErrDeviceUnreachable)
	assert.NoError(t, s.Err(), "a timeout must not close the session")

	// The device answers again.
	h.dev.SetBehavior(devicesim.Behavior{})
	require.NoError(t, s.Beat(ctx, time.Second))
}

func TestLateReplyDoesNotAnswerNextBeat(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{})
	s := h.upgrade(t, lockdown.Config{})
	ctx := context.Background()

	// The device answers each beat after 100ms, one at a time.
	h.dev.SetBehavior(devicesim.Behavior{BeatDelay: 100 * time.Millisecond})

	err := s.Beat(ctx, 30*time.Millisecond)
	require.ErrorIs(t, err, lockdown.ErrTimeout)

	// The reply to the first beat lands inside this window; the reply to
	// this beat does not.
	err = s.Beat(ctx, 120*time.Millisecond)
	assert.ErrorIs(t, err, lockdown.ErrTimeout)
	assert.NoError(t, s.Err())

	h.dev.SetBehavior(devicesim.Behavior{})
	require.NoError(t, s.Beat(ctx, time.Second))
	assert.Equal(t, 3, h.dev.Beats())
}

func TestBeatAfterHangup(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{BeatLimit: 1, Failure: devicesim.FailHangup})
	s := h.upgrade(t, lockdown.Config{})
	ctx := context.Background()

	require.NoError(t, s.Beat(ctx, time.Second))

	err := s.Beat(ctx, time.Second)
	assert.ErrorIs(t, err, lockdown.ErrDeviceUnreachable)
	assert.NotErrorIs(t, err, lockdown.ErrTimeout)
	assert.Error(t, s.Err())

	assert.ErrorIs(t, s.Beat(ctx, time.Second), lockdown.ErrSessionClosed)
}

func TestBeatCancelled(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{BeatLimit: 1, Failure: devicesim.FailSilent})
	s := h.upgrade(t, lockdown.Config{})

	require.NoError(t, s.Beat(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := s.Beat(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, lockdown.ErrDeviceUnreachable)
	assert.Error(t, s.Err())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{})
	s := h.upgrade(t, lockdown.Config{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Err(), lockdown.ErrSessionClosed)
	assert.ErrorIs(t, s.Beat(context.Background(), time.Second), lockdown.ErrSessionClosed)

	require.Eventually(t, func() bool { return h.mux.OpenChannels() == 0 }, time.Second, 5*time.Millisecond)
}

type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(e log.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func TestProtocolLogging(t *testing.T) {
	h := newHarness(t, devicesim.Behavior{})
	logger := &capturingLogger{}
	s := h.upgrade(t, lockdown.Config{ConnectionID: "conn-1", DeviceID: "DEV1", ProtocolLogger: logger})
	require.NoError(t, s.Beat(context.Background(), time.Second))

	logger.mu.Lock()
	defer logger.mu.Unlock()

	var names []string
	for _, e := range logger.events {
		assert.Equal(t, log.LayerLockdown, e.Layer)
		assert.Equal(t, "conn-1", e.ConnectionID)
		assert.Equal(t, "DEV1", e.DeviceID)
		require.NotNil(t, e.Message)
		names = append(names, e.Direction.String()+" "+e.Message.Name)
	}
	assert.Equal(t, []string{
		"OUT QueryType", "IN QueryType",
		"OUT GetValue", "IN GetValue",
		"OUT StartSession", "IN StartSession",
		"OUT Heartbeat", "IN Heartbeat",
	}, names)
}
