package log

import (
	"io"
	"os"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter specifies criteria for filtering log events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	// ConnectionID filters by exact connection ID match.
	ConnectionID string

	// Direction filters by message direction.
	Direction *Direction

	// Layer filters by protocol layer.
	Layer *Layer

	// Category filters by event category.
	Category *Category

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time

	// DeviceID filters by device ID.
	DeviceID string

	// HeartbeatOnly keeps only heartbeat and session state events.
	HeartbeatOnly bool
}

// matches returns true if the event matches all filter criteria.
func (f *Filter) matches(event Event) bool {
	if f.ConnectionID != "" && event.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.DeviceID != "" && event.DeviceID != f.DeviceID {
		return false
	}
	if f.HeartbeatOnly && event.Heartbeat == nil && event.StateChange == nil {
		return false
	}
	return true
}

// Reader streams events from a capture file, or from a rotated set of
// captures oldest first.
type Reader struct {
	paths   []string // files not yet opened
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader reads every event in the file at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader reads the events in the file at path that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	return openReader([]string{path}, filter)
}

// NewRotatedReader reads the backups a FileLogger rotated out of path,
// oldest first, followed by path itself.
func NewRotatedReader(path string, filter Filter) (*Reader, error) {
	return openReader(append(Backups(path), path), filter)
}

// Backups lists the rotated captures of path that exist, oldest first.
func Backups(path string) []string {
	var found []string
	for n := 1; ; n++ {
		p := BackupPath(path, n)
		if _, err := os.Stat(p); err != nil {
			break
		}
		found = append(found, p)
	}
	slices.Reverse(found)
	return found
}

func openReader(paths []string, filter Filter) (*Reader, error) {
	r := &Reader{paths: paths, filter: filter}
	if err := r.advance(); err != nil {
		return nil, err
	}
	return r, nil
}

// advance moves to the next file of the set.
func (r *Reader) advance() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.Open(r.paths[0])
	if err != nil {
		return err
	}
	r.paths = r.paths[1:]
	r.file = f
	r.decoder = NewDecoder(f)
	return nil
}

// Next returns the next matching event, or io.EOF after the last file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.decoder.Decode(&event)
		if err == io.EOF && len(r.paths) > 0 {
			if err := r.advance(); err != nil {
				return Event{}, err
			}
			continue
		}
		if err != nil {
			return Event{}, err
		}
		if r.filter.matches(event) {
			return event, nil
		}
	}
}

// Close closes the current file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
