package log

import (
	"errors"
	"io"
)

// MultiLogger fans events out to several sinks, typically a capture file
// and the slog trace. Nil and no-op sinks are dropped and nested
// MultiLoggers are flattened.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger returns a MultiLogger over loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		switch l := l.(type) {
		case nil, NoopLogger:
		case *MultiLogger:
			if l != nil {
				m.loggers = append(m.loggers, l.loggers...)
			}
		default:
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *MultiLogger) Len() int { return len(m.loggers) }

// Log sends the event to every sink in order.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Close closes every sink that is an io.Closer.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if c, ok := l.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var _ Logger = (*MultiLogger)(nil)
