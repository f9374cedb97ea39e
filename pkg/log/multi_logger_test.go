package log

import (
	"errors"
	"sync"
	"testing"
)

// recordingLogger keeps every event it receives.
type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingLogger) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// closingLogger counts Close calls and fails with err.
type closingLogger struct {
	recordingLogger
	closes int
	err    error
}

func (c *closingLogger) Close() error {
	c.closes++
	return c.err
}

func TestMultiLoggerFansOut(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	multi := NewMultiLogger(a, b)

	multi.Log(beatEvent("conn-1", 0))
	multi.Log(beatEvent("conn-1", 1))

	for name, r := range map[string]*recordingLogger{"a": a, "b": b} {
		got := r.Events()
		if len(got) != 2 {
			t.Fatalf("%s: got %d events, want 2", name, len(got))
		}
		if got[1].Heartbeat.Sequence != 2 {
			t.Errorf("%s: events out of order", name)
		}
	}
}

func TestMultiLoggerDropsEmptySinks(t *testing.T) {
	r := &recordingLogger{}
	var nilMulti *MultiLogger
	multi := NewMultiLogger(nil, NoopLogger{}, nilMulti, r)

	if multi.Len() != 1 {
		t.Fatalf("Len = %d, want 1", multi.Len())
	}
	multi.Log(beatEvent("conn-1", 0))
	if len(r.Events()) != 1 {
		t.Error("event not delivered")
	}

	// An empty MultiLogger is a valid no-op.
	NewMultiLogger().Log(beatEvent("conn-1", 0))
}

func TestMultiLoggerFlattens(t *testing.T) {
	a, b, c := &recordingLogger{}, &recordingLogger{}, &recordingLogger{}
	multi := NewMultiLogger(NewMultiLogger(a, b), c)

	if multi.Len() != 3 {
		t.Errorf("Len = %d, want 3", multi.Len())
	}
}

func TestMultiLoggerClose(t *testing.T) {
	errDisk := errors.New("disk full")
	ok := &closingLogger{}
	bad := &closingLogger{err: errDisk}
	plain := &recordingLogger{}

	err := NewMultiLogger(ok, plain, bad).Close()
	if !errors.Is(err, errDisk) {
		t.Errorf("Close = %v, want %v", err, errDisk)
	}
	if ok.closes != 1 || bad.closes != 1 {
		t.Errorf("closes: ok=%d bad=%d, want 1 each", ok.closes, bad.closes)
	}
}
