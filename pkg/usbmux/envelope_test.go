package usbmux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/devkeep/devkeep-go/pkg/log"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewEnvelopeWriter(buf, 0)

	if err := writer.WriteEnvelope(MessageData, 7, []byte("payload")); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	raw := buf.Bytes()
	if got := binary.LittleEndian.Uint32(raw[0:4]); got != HeaderSize+7 {
		t.Errorf("Length = %d, want %d", got, HeaderSize+7)
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != ProtocolVersion {
		t.Errorf("Version = %d, want %d", got, ProtocolVersion)
	}

	h, payload, err := NewEnvelopeReader(buf, 0).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if h.Type != MessageData || h.Tag != 7 {
		t.Errorf("header = %+v", h)
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q", payload)
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewEnvelopeWriter(buf, 0).WriteEnvelope(MessageClose, 3, nil); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	h, payload, err := NewEnvelopeReader(buf, 0).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if h.Type != MessageClose || h.Tag != 3 || len(payload) != 0 {
		t.Errorf("unexpected envelope %+v %q", h, payload)
	}
}

func rawHeader(length, version, typ, tag uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], length)
	binary.LittleEndian.PutUint32(b[4:8], version)
	binary.LittleEndian.PutUint32(b[8:12], typ)
	binary.LittleEndian.PutUint32(b[12:16], tag)
	return b
}

func TestEnvelopeReaderFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "version mismatch",
			data: rawHeader(HeaderSize, 0, MessagePlist, 1),
			want: ErrVersionMismatch,
		},
		{
			name: "length below header",
			data: rawHeader(8, ProtocolVersion, MessagePlist, 1),
			want: ErrFraming,
		},
		{
			name: "length overflow",
			data: rawHeader(1<<30, ProtocolVersion, MessageData, 1),
			want: ErrMessageTooLarge,
		},
		{
			name: "truncated header",
			data: []byte{1, 2, 3},
			want: ErrFrameTruncated,
		},
		{
			name: "truncated payload",
			data: append(rawHeader(HeaderSize+10, ProtocolVersion, MessageData, 1), 'a', 'b'),
			want: ErrFrameTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewEnvelopeReader(bytes.NewReader(tt.data), 0).ReadEnvelope()
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrFraming) {
				t.Errorf("expected ErrFraming, got %v", err)
			}
		})
	}
}

func TestEnvelopeReaderEOF(t *testing.T) {
	_, _, err := NewEnvelopeReader(new(bytes.Buffer), 0).ReadEnvelope()
	if err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestEnvelopeWriterTooLarge(t *testing.T) {
	writer := NewEnvelopeWriter(new(bytes.Buffer), 32)
	err := writer.WriteEnvelope(MessageData, 1, bytes.Repeat([]byte("x"), 17))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

// capturingLogger captures log events for testing.
type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *capturingLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func TestEnvelopeLogging(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := &capturingLogger{}

	writer := NewEnvelopeWriter(buf, 0)
	writer.SetLogger(logger, "conn-123")
	if err := writer.WriteEnvelope(MessagePlist, 9, []byte("hello")); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	reader := NewEnvelopeReader(buf, 0)
	reader.SetLogger(logger, "conn-123")
	if _, _, err := reader.ReadEnvelope(); err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}

	events := logger.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	out, in := events[0], events[1]
	if out.Direction != log.DirectionOut || in.Direction != log.DirectionIn {
		t.Errorf("directions = %v, %v", out.Direction, in.Direction)
	}
	for _, e := range events {
		if e.ConnectionID != "conn-123" {
			t.Errorf("ConnectionID = %q", e.ConnectionID)
		}
		if e.Layer != log.LayerMux {
			t.Errorf("Layer = %v, want LayerMux", e.Layer)
		}
		if e.Frame == nil {
			t.Fatal("Frame is nil")
		}
		if e.Frame.Size != HeaderSize+5 || e.Frame.Type != MessagePlist || e.Frame.Tag != 9 {
			t.Errorf("Frame = %+v", e.Frame)
		}
	}
}

func TestEnvelopeLoggingTruncatesLargePayload(t *testing.T) {
	logger := &capturingLogger{}
	writer := NewEnvelopeWriter(new(bytes.Buffer), 0)
	writer.SetLogger(logger, "c")

	payload := bytes.Repeat([]byte("z"), MaxLogDataSize+100)
	if err := writer.WriteEnvelope(MessageData, 1, payload); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	e := logger.Events()[0]
	if !e.Frame.Truncated || len(e.Frame.Data) != MaxLogDataSize {
		t.Errorf("expected truncated data of %d bytes, got %d (truncated=%v)",
			MaxLogDataSize, len(e.Frame.Data), e.Frame.Truncated)
	}
}

func TestHostToNetworkPort(t *testing.T) {
	if got := HostToNetworkPort(62078); got != 0x7ef2 {
		t.Errorf("HostToNetworkPort(62078) = %#x, want 0x7ef2", got)
	}
	if got := HostToNetworkPort(HostToNetworkPort(1234)); got != 1234 {
		t.Errorf("round trip = %d, want 1234", got)
	}
}

func TestResultError(t *testing.T) {
	tests := []struct {
		n    int
		want error
	}{
		{ResultOK, nil},
		{ResultBadDevice, ErrDeviceNotFound},
		{ResultConnRefused, ErrChannelRefused},
		{ResultBadVersion, ErrVersionMismatch},
		{ResultBadCommand, ErrChannelRefused},
	}
	for _, tt := range tests {
		err := resultError(tt.n)
		if tt.want == nil {
			if err != nil {
				t.Errorf("resultError(%d) = %v, want nil", tt.n, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("resultError(%d) = %v, want %v", tt.n, err, tt.want)
		}
	}
}
