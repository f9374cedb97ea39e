package commands

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

func TestFormatFrameEvent(t *testing.T) {
	event := log.Event{
		Timestamp:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		ConnectionID: "0123456789abcdef",
		Direction:    log.DirectionOut,
		Layer:        log.LayerMux,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      20,
			Type:      usbmux.MessagePlist,
			Tag:       3,
			Data:      []byte{0xde, 0xad},
			Truncated: true,
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{
		"2026-03-02T09:30:00.000000Z",
		"[conn:01234567]",
		"OUT MUX Plist",
		"Size: 20 bytes  Tag: 3",
		"Data: dead (truncated)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatStateChangeEvent(t *testing.T) {
	event := log.Event{
		ConnectionID: "conn",
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		DeviceID:     "DEV1",
		StateChange:  &log.StateChangeEvent{OldState: "ACTIVE", NewState: "DEGRADED", Reason: "timeout"},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, " -   SESSION State") {
		t.Errorf("state events carry no direction:\n%s", output)
	}
	if !strings.Contains(output, "ACTIVE -> DEGRADED") {
		t.Errorf("missing transition:\n%s", output)
	}
	if !strings.Contains(output, "Reason: timeout") {
		t.Errorf("missing reason:\n%s", output)
	}
	if !strings.Contains(output, "Device: DEV1") {
		t.Errorf("missing device:\n%s", output)
	}
}

func TestFormatHeartbeatEvent(t *testing.T) {
	tests := []struct {
		name string
		hb   log.HeartbeatEvent
		want string
	}{
		{"answered", log.HeartbeatEvent{Sequence: 7, OK: true, Latency: 1500 * time.Microsecond}, "Beat #7: ok in 1.500ms"},
		{"missed", log.HeartbeatEvent{Sequence: 8}, "Beat #8: missed"},
		{"retry", log.HeartbeatEvent{Sequence: 9, Retry: true}, "Beat #9: missed (retry)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := tt.hb
			var buf bytes.Buffer
			formatEvent(&buf, log.Event{Layer: log.LayerSession, Heartbeat: &hb})
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in output:\n%s", tt.want, buf.String())
			}
		})
	}
}

func TestFormatErrorEvent(t *testing.T) {
	event := log.NewErrorEvent(log.LayerLockdown, "conn", "DEV1", errors.New("InvalidHostID"), "StartSession")

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "Message: InvalidHostID") {
		t.Errorf("missing message:\n%s", output)
	}
	if !strings.Contains(output, "Context: StartSession") {
		t.Errorf("missing context:\n%s", output)
	}
}

func TestRunViewWithFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	layer := log.LayerSession
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &layer}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}

	output := buf.String()
	if strings.Contains(output, "QueryType") {
		t.Errorf("lockdown events should be filtered out:\n%s", output)
	}
	if !strings.Contains(output, "Beat #1") {
		t.Errorf("expected heartbeat in output:\n%s", output)
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("LockDown"); err != nil || l != log.LayerLockdown {
		t.Errorf("ParseLayerFlag(LockDown) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("wire"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("OUT"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(OUT) = %v, %v", d, err)
	}
	if c, err := ParseCategoryFlag("heartbeat"); err != nil || c != log.CategoryHeartbeat {
		t.Errorf("ParseCategoryFlag(heartbeat) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("snapshot"); err == nil {
		t.Error("expected error for unknown category")
	}
}
