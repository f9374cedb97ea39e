package commands

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
)

func readAll(t *testing.T, path string) []log.Event {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer reader.Close()

	var events []log.Event
	for {
		e, err := reader.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		events = append(events, e)
	}
}

func TestFilterByDirection(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	output := filepath.Join(t.TempDir(), "out.klog")

	count, err := RunFilter(path, FilterOptions{Output: output, Direction: "in"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}

	events := readAll(t, output)
	if len(events) != 1 || events[0].Direction != log.DirectionIn {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestFilterHeartbeatOnly(t *testing.T) {
	events := append(sampleEvents(), log.Event{
		Timestamp:   time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC),
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{OldState: "ACTIVE", NewState: "DEGRADED"},
	})
	path := createTestLogFile(t, events)
	output := filepath.Join(t.TempDir(), "out.klog")

	count, err := RunFilter(path, FilterOptions{Output: output, HeartbeatOnly: true})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected heartbeat and state events, got %d", count)
	}
}

func TestFilterByTimeRange(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	output := filepath.Join(t.TempDir(), "out.klog")

	count, err := RunFilter(path, FilterOptions{
		Output:    output,
		TimeStart: "2026-03-02T09:30:01Z",
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestFilterInvalidOptions(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	output := filepath.Join(t.TempDir(), "out.klog")

	for _, opts := range []FilterOptions{
		{Output: output, TimeStart: "yesterday"},
		{Output: output, Layer: "wire"},
		{Output: output, Category: "snapshot"},
		{Output: output, Direction: "sideways"},
	} {
		if _, err := RunFilter(path, opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}
