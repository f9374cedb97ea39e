package commands

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.klog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func sampleEvents() []log.Event {
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return []log.Event{
		{
			Timestamp:    ts,
			ConnectionID: "abc12345-0000",
			Direction:    log.DirectionOut,
			Layer:        log.LayerLockdown,
			Category:     log.CategoryMessage,
			DeviceID:     "00008030-001A",
			Message:      &log.MessageEvent{Name: "QueryType"},
		},
		{
			Timestamp:    ts.Add(10 * time.Millisecond),
			ConnectionID: "abc12345-0000",
			Direction:    log.DirectionIn,
			Layer:        log.LayerLockdown,
			Category:     log.CategoryMessage,
			DeviceID:     "00008030-001A",
			Message:      &log.MessageEvent{Name: "QueryType", Result: "com.apple.mobile.lockdown"},
		},
		{
			Timestamp:    ts.Add(time.Second),
			ConnectionID: "abc12345-0000",
			Direction:    log.DirectionOut,
			Layer:        log.LayerSession,
			Category:     log.CategoryHeartbeat,
			DeviceID:     "00008030-001A",
			Heartbeat:    &log.HeartbeatEvent{Sequence: 1, OK: true, Latency: 4 * time.Millisecond},
		},
	}
}

func TestExportToJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	output := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", output); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("expected 3 lines, got %d", lines)
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	output := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", output); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(records))
	}
	if records[0][0] != "timestamp" {
		t.Errorf("unexpected header: %v", records[0])
	}

	row := records[2]
	if row[2] != "IN" || row[3] != "LOCKDOWN" || row[6] != "QueryType" || row[7] != "com.apple.mobile.lockdown" {
		t.Errorf("unexpected lockdown row: %v", row)
	}
	row = records[3]
	if row[4] != "HEARTBEAT" || row[7] != "4ms" {
		t.Errorf("unexpected heartbeat row: %v", row)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out.xml"))
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}
