// Package log provides structured protocol logging for devkeep.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at each layer of the stack (multiplexer, lockdown,
// session). It is separate from operational logging (slog): protocol
// capture provides a complete machine-readable trace for debugging a
// device that keeps dropping its session.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a capped binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/devkeep/session.klog",
//		log.WithMaxSize(64<<20), log.WithBackups(3))
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(a, b)
//
// # Event Types
//
//   - Mux: raw envelope headers and sizes (FrameEvent)
//   - Lockdown: decoded plist requests and responses (MessageEvent)
//   - Session: heartbeat state changes and individual beats
//     (StateChangeEvent, HeartbeatEvent)
//
// Errors at any layer have a dedicated event type.
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .klog extension.
// Rotated backups sit next to the file as session.klog.1, .2 and so on;
// NewRotatedReader reads them oldest first. The devkeep-log command prints
// and filters them.
package log
