package usbmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
)

// Envelope constants.
const (
	// HeaderSize is the size of the envelope header in bytes.
	HeaderSize = 16

	// ProtocolVersion is the only envelope version understood.
	ProtocolVersion = 1

	// DefaultMaxEnvelopeSize is the default maximum envelope size (1 MB).
	DefaultMaxEnvelopeSize = 1 << 20

	// MaxLogDataSize is the maximum payload size included in log events.
	MaxLogDataSize = 4096
)

// Envelope message types.
const (
	// MessagePlist carries a plist control message.
	MessagePlist uint32 = 8

	// MessageData carries channel payload bytes.
	MessageData uint32 = 9

	// MessageClose closes a channel.
	MessageClose uint32 = 10
)

// Header is the fixed envelope header.
type Header struct {
	Length  uint32
	Version uint32
	Type    uint32
	Tag     uint32
}

// PayloadSize returns the size of the payload following the header.
func (h Header) PayloadSize() int {
	return int(h.Length) - HeaderSize
}

// EnvelopeWriter writes envelopes to the shared transport.
// Thread-safe: can be called from multiple goroutines.
type EnvelopeWriter struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex

	logger log.Logger
	connID string
}

// NewEnvelopeWriter creates a new envelope writer.
func NewEnvelopeWriter(w io.Writer, maxSize uint32) *EnvelopeWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxEnvelopeSize
	}
	return &EnvelopeWriter{w: w, maxSize: maxSize}
}

// SetLogger configures protocol logging for this writer.
// Pass nil to disable logging.
func (ew *EnvelopeWriter) SetLogger(logger log.Logger, connID string) {
	ew.logger = logger
	ew.connID = connID
}

// WriteEnvelope writes one envelope in a single Write call.
func (ew *EnvelopeWriter) WriteEnvelope(typ, tag uint32, payload []byte) error {
	total := HeaderSize + len(payload)
	if uint64(total) > uint64(ew.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, ew.maxSize)
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[8:12], typ)
	binary.LittleEndian.PutUint32(buf[12:16], tag)
	copy(buf[HeaderSize:], payload)

	ew.mu.Lock()
	_, err := ew.w.Write(buf)
	ew.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	if ew.logger != nil {
		ew.logger.Log(envelopeEvent(ew.connID, log.DirectionOut, typ, tag, payload))
	}
	return nil
}

// EnvelopeReader reads envelopes from the shared transport.
// Not thread-safe: a transport has exactly one reader.
type EnvelopeReader struct {
	r       io.Reader
	maxSize uint32
	hdr     [HeaderSize]byte

	logger log.Logger
	connID string
}

// NewEnvelopeReader creates a new envelope reader.
func NewEnvelopeReader(r io.Reader, maxSize uint32) *EnvelopeReader {
	if maxSize == 0 {
		maxSize = DefaultMaxEnvelopeSize
	}
	return &EnvelopeReader{r: r, maxSize: maxSize}
}

// SetLogger configures protocol logging for this reader.
// Pass nil to disable logging.
func (er *EnvelopeReader) SetLogger(logger log.Logger, connID string) {
	er.logger = logger
	er.connID = connID
}

// ReadEnvelope reads one envelope.
// Returns io.EOF when the transport closes cleanly between envelopes.
// Any inconsistency returns an error wrapping ErrFraming.
func (er *EnvelopeReader) ReadEnvelope() (Header, []byte, error) {
	if _, err := io.ReadFull(er.r, er.hdr[:]); err != nil {
		if err == io.EOF {
			return Header{}, nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, ErrFrameTruncated
		}
		return Header{}, nil, fmt.Errorf("failed to read envelope header: %w", err)
	}

	h := Header{
		Length:  binary.LittleEndian.Uint32(er.hdr[0:4]),
		Version: binary.LittleEndian.Uint32(er.hdr[4:8]),
		Type:    binary.LittleEndian.Uint32(er.hdr[8:12]),
		Tag:     binary.LittleEndian.Uint32(er.hdr[12:16]),
	}

	if h.Version != ProtocolVersion {
		return h, nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}
	if h.Length < HeaderSize {
		return h, nil, fmt.Errorf("%w: length %d below header size", ErrFraming, h.Length)
	}
	if h.Length > er.maxSize {
		return h, nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, h.Length, er.maxSize)
	}

	payload := make([]byte, h.PayloadSize())
	if _, err := io.ReadFull(er.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return h, nil, ErrFrameTruncated
		}
		return h, nil, fmt.Errorf("failed to read envelope payload: %w", err)
	}

	if er.logger != nil {
		er.logger.Log(envelopeEvent(er.connID, log.DirectionIn, h.Type, h.Tag, payload))
	}
	return h, payload, nil
}

func envelopeEvent(connID string, dir log.Direction, typ, tag uint32, payload []byte) log.Event {
	data := payload
	truncated := false
	if len(data) > MaxLogDataSize {
		data = data[:MaxLogDataSize]
		truncated = true
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerMux,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      HeaderSize + len(payload),
			Type:      typ,
			Tag:       tag,
			Data:      data,
			Truncated: truncated,
		},
	}
}
