package commands

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
)

func TestStatsCountsByLayer(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "LOCKDOWN:    2") {
		t.Errorf("expected 2 LOCKDOWN events:\n%s", output)
	}
	if !strings.Contains(output, "SESSION:     1") {
		t.Errorf("expected 1 SESSION event:\n%s", output)
	}
	if strings.Contains(output, "MUX:") {
		t.Errorf("MUX layer has no events:\n%s", output)
	}
}

func TestStatsIncludesRotatedBackups(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	older := createTestLogFile(t, sampleEvents())
	if err := os.Rename(older, log.BackupPath(path, 1)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "LOCKDOWN:    4") {
		t.Errorf("expected the backup to be counted:\n%s", buf.String())
	}
}

func TestStatsHeartbeats(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	beat := func(seq uint64, ok bool, latency time.Duration) log.Event {
		return log.Event{
			Timestamp:    ts.Add(time.Duration(seq) * time.Second),
			ConnectionID: "conn-aaaa-bbbb",
			DeviceID:     "DEV1",
			Layer:        log.LayerSession,
			Category:     log.CategoryHeartbeat,
			Heartbeat:    &log.HeartbeatEvent{Sequence: seq, OK: ok, Latency: latency},
		}
	}
	events := []log.Event{
		beat(1, true, 2*time.Millisecond),
		beat(2, true, 4*time.Millisecond),
		beat(3, false, 0),
		{
			Timestamp:    ts.Add(3 * time.Second),
			ConnectionID: "conn-aaaa-bbbb",
			Layer:        log.LayerSession,
			Category:     log.CategoryState,
			StateChange:  &log.StateChangeEvent{OldState: "ACTIVE", NewState: "DEGRADED"},
		},
		log.NewErrorEvent(log.LayerSession, "conn-aaaa-bbbb", "DEV1", errTest, "heartbeat"),
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Connections: 1",
		"[conn-aaa]",
		"Device: DEV1",
		"Beats: 3 (missed 1, avg latency 3.000ms)",
		"State: DEGRADED",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestStatsEmptyLog(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

var errTest = errors.New("no answer")
