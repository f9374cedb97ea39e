package log

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// DefaultBackups is how many rotated captures a FileLogger keeps.
const DefaultBackups = 1

// FileLogger appends CBOR-encoded events to a capture file.
// With a size limit the file is rotated to path.1 before a write would
// push it past the limit; older backups shift to path.2 and so on.
// It is safe for concurrent use.
type FileLogger struct {
	path    string
	maxSize int64
	backups int

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
	err    error
}

// FileOption configures a FileLogger.
type FileOption func(*FileLogger)

// WithMaxSize rotates the capture once it would grow past n bytes.
// Zero or less disables rotation.
func WithMaxSize(n int64) FileOption {
	return func(l *FileLogger) { l.maxSize = n }
}

// WithBackups sets how many rotated files are kept. Zero truncates the
// capture in place when it is full.
func WithBackups(n int) FileOption {
	return func(l *FileLogger) { l.backups = max(n, 0) }
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string, opts ...FileOption) (*FileLogger, error) {
	l := &FileLogger{path: path, backups: DefaultBackups}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return l, nil
}

// BackupPath returns the name of the n-th rotated capture of path.
func BackupPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func (l *FileLogger) open(flag int) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|flag, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Log writes one event. Errors never reach the caller: an event that
// fails to encode is dropped, and the first write or rotation failure
// stops the capture and is reported by Err.
func (l *FileLogger) Log(event Event) {
	data, encErr := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.err != nil || encErr != nil {
		return
	}
	if l.maxSize > 0 && l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			l.err = fmt.Errorf("rotate %s: %w", l.path, err)
			return
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		l.err = err
	}
}

func (l *FileLogger) rotate() error {
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	if l.backups == 0 {
		return l.open(os.O_TRUNC)
	}
	for n := l.backups - 1; n >= 1; n-- {
		err := os.Rename(BackupPath(l.path, n), BackupPath(l.path, n+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(l.path, BackupPath(l.path, 1)); err != nil {
		return err
	}
	return l.open(os.O_APPEND)
}

// Err returns the failure that stopped the capture, or nil.
func (l *FileLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close closes the capture file. Later Log calls are ignored.
// Idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)
