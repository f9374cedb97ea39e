package interactive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devkeep/devkeep-go/pkg/heartbeat"
	"github.com/devkeep/devkeep-go/pkg/pairing"
	"github.com/devkeep/devkeep-go/pkg/supervisor"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// fakeKeeper answers console commands from fixed data.
type fakeKeeper struct {
	devices  []usbmux.Device
	sessions map[string]heartbeat.Snapshot
	startErr error
	stopped  []string
}

func (k *fakeKeeper) StartDevice(_ context.Context, _ string) (*supervisor.Handle, error) {
	return nil, k.startErr
}

func (k *fakeKeeper) Stop(udid string) error {
	if _, ok := k.sessions[udid]; !ok {
		return supervisor.ErrNotFound
	}
	k.stopped = append(k.stopped, udid)
	return nil
}

func (k *fakeKeeper) Status(udid string) (heartbeat.Snapshot, error) {
	snap, ok := k.sessions[udid]
	if !ok {
		return heartbeat.Snapshot{}, supervisor.ErrNotFound
	}
	return snap, nil
}

func (k *fakeKeeper) Sessions() []string {
	var udids []string
	for udid := range k.sessions {
		udids = append(udids, udid)
	}
	return udids
}

func (k *fakeKeeper) Devices(context.Context) ([]usbmux.Device, error) {
	return k.devices, nil
}

func newTestConsole(k Keeper) (*Console, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Console{out: &buf, keeper: k}, &buf
}

func TestExecuteDevices(t *testing.T) {
	k := &fakeKeeper{devices: []usbmux.Device{{ID: 4, UDID: "00008030-001A", ConnectionType: "USB"}}}
	c, out := newTestConsole(k)

	if !c.Execute(context.Background(), "devices") {
		t.Fatal("devices must not quit")
	}
	if !strings.Contains(out.String(), "00008030-001A") || !strings.Contains(out.String(), "#4") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestExecuteStartFailureShowsCode(t *testing.T) {
	k := &fakeKeeper{startErr: &pairing.MissingFieldError{Name: "HostID"}}
	c, out := newTestConsole(k)

	c.Execute(context.Background(), "start DEV1")
	if !strings.Contains(out.String(), "Start failed: DECODE_FAILURE") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	c.Execute(context.Background(), "start")
	if !strings.Contains(out.String(), "Usage: start <udid>") {
		t.Errorf("expected usage, got:\n%s", out.String())
	}
}

func TestExecuteStop(t *testing.T) {
	k := &fakeKeeper{sessions: map[string]heartbeat.Snapshot{"DEV1": {State: heartbeat.StateActive}}}
	c, out := newTestConsole(k)

	c.Execute(context.Background(), "stop DEV1")
	c.Execute(context.Background(), "stop DEV2")

	if len(k.stopped) != 1 || k.stopped[0] != "DEV1" {
		t.Errorf("stopped = %v", k.stopped)
	}
	if !strings.Contains(out.String(), "Stopped DEV1") || !strings.Contains(out.String(), "No session for DEV2") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestExecuteStatus(t *testing.T) {
	k := &fakeKeeper{sessions: map[string]heartbeat.Snapshot{
		"DEV1": {
			State:               heartbeat.StateDegraded,
			Since:               time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
			TotalBeats:          12,
			FailedBeats:         1,
			ConsecutiveFailures: 1,
			LastError:           errors.New("timed out"),
		},
	}}
	c, out := newTestConsole(k)

	c.Execute(context.Background(), "status")
	for _, want := range []string{"DEV1", "DEGRADED", "Beats:     12 (failed 1, consecutive 1)", "Error:     timed out"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}

	out.Reset()
	c.Execute(context.Background(), "status DEV9")
	if !strings.Contains(out.String(), "DEV9: session not found") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestExecuteQuitAndUnknown(t *testing.T) {
	c, out := newTestConsole(&fakeKeeper{})

	if !c.Execute(context.Background(), "frobnicate") {
		t.Error("unknown command must not quit")
	}
	if !strings.Contains(out.String(), "Unknown command: frobnicate") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if !c.Execute(context.Background(), "   ") {
		t.Error("blank line must not quit")
	}
	if c.Execute(context.Background(), "quit") {
		t.Error("quit must return false")
	}
}
