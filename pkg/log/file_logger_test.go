package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func beatEvent(connID string, seq int) Event {
	return Event{
		Timestamp:    time.Date(2026, 10, 1, 12, 0, seq, 0, time.UTC),
		ConnectionID: connID,
		Direction:    DirectionOut,
		Layer:        LayerSession,
		Category:     CategoryHeartbeat,
		DeviceID:     "DEV1",
		// Fixed-width values keep every encoded event the same size.
		Heartbeat: &HeartbeatEvent{
			Sequence: uint64(seq + 1),
			OK:       true,
			Latency:  time.Duration(seq+1) * time.Millisecond,
		},
	}
}

// readEvents decodes every event in the set rooted at path.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	r, err := NewRotatedReader(path, Filter{})
	if err != nil {
		t.Fatalf("NewRotatedReader failed: %v", err)
	}
	defer r.Close()

	var events []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, e)
	}
}

func TestFileLoggerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
}

func TestFileLoggerAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")

	for i, connID := range []string{"conn-1", "conn-2"} {
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		logger.Log(beatEvent(connID, i))
		if err := logger.Close(); err != nil {
			t.Fatalf("close %d failed: %v", i, err)
		}
	}

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ConnectionID != "conn-1" || events[1].ConnectionID != "conn-2" {
		t.Errorf("order: got %q, %q", events[0].ConnectionID, events[1].ConnectionID)
	}
	if events[1].Heartbeat == nil || events[1].Heartbeat.Latency != 2*time.Millisecond {
		t.Errorf("heartbeat payload not preserved: %+v", events[1].Heartbeat)
	}
}

func TestFileLoggerConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				logger.Log(beatEvent(fmt.Sprintf("conn-%d", w), i))
			}
		}()
	}
	wg.Wait()
	logger.Close()

	if got := len(readEvents(t, path)); got != writers*perWriter {
		t.Errorf("event count: got %d, want %d", got, writers*perWriter)
	}
}

func TestFileLoggerRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")

	one, err := EncodeEvent(beatEvent("conn-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	// Room for two events per file.
	limit := int64(len(one))*2 + int64(len(one))/2

	logger, err := NewFileLogger(path, WithMaxSize(limit), WithBackups(2))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for i := range 7 {
		logger.Log(beatEvent("conn-1", i))
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Err(); err != nil {
		t.Fatalf("capture stopped: %v", err)
	}

	for _, p := range []string{path, BackupPath(path, 1), BackupPath(path, 2)} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if info.Size() > limit {
			t.Errorf("%s: size %d exceeds limit %d", p, info.Size(), limit)
		}
	}
	if _, err := os.Stat(BackupPath(path, 3)); !os.IsNotExist(err) {
		t.Errorf("kept more backups than configured: %v", err)
	}

	// Events 0 and 1 were rotated out; the rest read back in order.
	events := readEvents(t, path)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, e := range events {
		if want := time.Duration(i+3) * time.Millisecond; e.Heartbeat.Latency != want {
			t.Errorf("event %d: latency %s, want %s", i, e.Heartbeat.Latency, want)
		}
	}
}

func TestFileLoggerRotateWithoutBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")

	one, err := EncodeEvent(beatEvent("conn-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	logger, err := NewFileLogger(path, WithMaxSize(int64(len(one))), WithBackups(0))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for i := range 3 {
		logger.Log(beatEvent("conn-1", i))
	}
	logger.Close()

	if _, err := os.Stat(BackupPath(path, 1)); !os.IsNotExist(err) {
		t.Errorf("unexpected backup: %v", err)
	}
	events := readEvents(t, path)
	if len(events) != 1 || events[0].Heartbeat.Latency != 3*time.Millisecond {
		t.Errorf("expected only the last event, got %+v", events)
	}
}

func TestFileLoggerClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.klog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Log(beatEvent("conn-1", 0))

	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// Dropped after Close.
	logger.Log(beatEvent("conn-1", 1))
	if got := len(readEvents(t, path)); got != 1 {
		t.Errorf("got %d events, want 1", got)
	}
}
