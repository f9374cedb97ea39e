package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devkeep/devkeep-go/pkg/log"
)

// Heartbeat defaults.
const (
	// DefaultInterval is the time between beats.
	DefaultInterval = 30 * time.Second

	// DefaultTimeout bounds the wait for one beat's answer.
	DefaultTimeout = 10 * time.Second
)

// Beater is a trusted session that can be probed for liveness.
// Beat must honour timeout and ctx.
type Beater interface {
	Beat(ctx context.Context, timeout time.Duration) error
	Close() error
}

// DialFunc opens a fresh trusted session (channel + handshake).
type DialFunc func(ctx context.Context) (Beater, error)

// Config configures a heartbeat session.
type Config struct {
	// Interval is the time between beats (default: 30s).
	Interval time.Duration

	// Timeout bounds one beat (default: 10s, never above Interval).
	Timeout time.Duration

	// ConnectRetries is the number of extra dial attempts Connect makes.
	ConnectRetries int

	// Backoff spaces the connect retries.
	Backoff BackoffConfig

	// Retryable reports whether a failed dial is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// StateObserver is notified of every state transition.
type StateObserver func(old, new State, reason error)

// BeatResult describes one beat attempt.
type BeatResult struct {
	Seq     uint64
	State   State // state after the beat
	Latency time.Duration
	Retry   bool // the immediate re-beat from Degraded
	Err     error
}

// BeatObserver is notified after every beat attempt.
type BeatObserver func(BeatResult)

// Option configures a Session.
type Option func(*Session)

// WithStateObserver registers a state transition observer.
func WithStateObserver(fn StateObserver) Option {
	return func(s *Session) { s.onState = append(s.onState, fn) }
}

// WithBeatObserver registers a beat observer.
func WithBeatObserver(fn BeatObserver) Option {
	return func(s *Session) { s.onBeat = append(s.onBeat, fn) }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithProtocolLogger captures state changes and beats as protocol events.
func WithProtocolLogger(l log.Logger, connID string) Option {
	return func(s *Session) {
		s.proto = log.OrNoop(l)
		s.connID = connID
	}
}

// WithDeviceID tags logs with the device UDID.
func WithDeviceID(udid string) Option {
	return func(s *Session) { s.udid = udid }
}

// Session owns one trusted session and keeps it alive.
type Session struct {
	dial    DialFunc
	config  Config
	backoff *Backoff

	logger  *slog.Logger
	proto   log.Logger
	connID  string
	udid    string
	onState []StateObserver
	onBeat  []BeatObserver

	mu       sync.RWMutex
	snap     Snapshot
	beater   Beater
	started  bool
	running  bool
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle session.
func New(dial DialFunc, cfg Config, opts ...Option) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}

	s := &Session{
		dial:    dial,
		config:  cfg,
		backoff: NewBackoff(cfg.Backoff),
		logger:  slog.Default(),
		proto:   log.NoopLogger{},
		snap:    Snapshot{State: StateIdle, Since: time.Now()},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.config }

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

// Done is closed once the session is Terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the termination reason, or nil while the session lives.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Connect dials the trusted session, retrying with backoff.
// On failure the session is Terminated and the last error returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.setState(StateConnecting, nil)

	var lastErr error
	for attempt := 0; attempt <= s.config.ConnectRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff.Next()
			s.logger.Debug("heartbeat: retrying connect",
				"device_id", s.udid, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("%w: %w", ErrStopped, err)
				break
			}
		}

		s.mu.Lock()
		s.snap.ConnectAttempts++
		s.mu.Unlock()

		b, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			s.beater = b
			s.mu.Unlock()
			s.backoff.Reset()
			s.setState(StateActive, nil)
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !s.config.Retryable(err) {
			break
		}
	}

	s.terminate(lastErr)
	return lastErr
}

// Run beats until the device stops answering or ctx is cancelled.
// It returns the termination reason; ErrStopped after cancellation.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.snap.State != StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.running = true
	s.mu.Unlock()

	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate(ErrStopped)
			return s.Err()
		case <-timer.C:
		}

		if err := s.beat(ctx, false); err != nil {
			if ctx.Err() != nil {
				s.terminate(ErrStopped)
				return s.Err()
			}
			// Degraded: one immediate re-beat.
			if err := s.beat(ctx, true); err != nil {
				if ctx.Err() != nil {
					s.terminate(ErrStopped)
				}
				return s.Err()
			}
		}

		timer.Reset(s.config.Interval)
	}
}

// Close releases a session that is not running. Running sessions are
// stopped by cancelling the context passed to Run.
func (s *Session) Close() error {
	s.mu.RLock()
	running := s.running && s.snap.State != StateTerminated
	s.mu.RUnlock()
	if running {
		return ErrRunning
	}
	s.terminate(ErrStopped)
	return nil
}

// beat sends one heartbeat and applies the two-strike policy.
func (s *Session) beat(ctx context.Context, retry bool) error {
	s.mu.Lock()
	b := s.beater
	s.snap.TotalBeats++
	seq := s.snap.TotalBeats
	s.mu.Unlock()

	start := time.Now()
	err := b.Beat(ctx, s.config.Timeout)
	latency := time.Since(start)

	if ctx.Err() != nil {
		// Cancellation is not a missed beat.
		return ctx.Err()
	}

	s.logBeat(seq, err, latency, retry)

	var next State
	s.mu.Lock()
	if err == nil {
		s.snap.LastBeat = time.Now()
		s.snap.ConsecutiveFailures = 0
		next = StateActive
	} else {
		s.snap.ConsecutiveFailures++
		s.snap.FailedBeats++
		s.snap.LastError = err
		next = StateDegraded
		if retry {
			next = StateTerminated
		}
	}
	s.mu.Unlock()

	if next == StateTerminated {
		s.terminate(err)
	} else {
		s.setState(next, err)
	}

	res := BeatResult{Seq: seq, State: next, Latency: latency, Retry: retry, Err: err}
	for _, fn := range s.onBeat {
		fn(res)
	}
	return err
}

// setState moves to next and notifies observers. Terminated is final.
func (s *Session) setState(next State, reason error) {
	s.mu.Lock()
	prev := s.snap.State
	if prev == next || prev == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.snap.State = next
	s.snap.Since = time.Now()
	s.mu.Unlock()

	s.logState(prev, next, reason)
	for _, fn := range s.onState {
		fn(prev, next, reason)
	}
}

// terminate closes the beater, then publishes Terminated. Idempotent.
func (s *Session) terminate(reason error) {
	s.mu.Lock()
	if s.snap.State == StateTerminated {
		s.mu.Unlock()
		return
	}
	b := s.beater
	s.beater = nil
	s.err = reason
	if reason != nil {
		s.snap.LastError = reason
	}
	s.mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			s.logger.Debug("heartbeat: close failed", "device_id", s.udid, "error", err)
		}
	}

	s.setState(StateTerminated, reason)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) logState(prev, next State, reason error) {
	attrs := []any{"device_id", s.udid, "from", prev.String(), "to", next.String()}
	switch {
	case next == StateTerminated && reason != nil && !errors.Is(reason, ErrStopped):
		s.logger.Warn("heartbeat: session terminated", append(attrs, "error", reason)...)
	case next == StateDegraded:
		s.logger.Warn("heartbeat: beat missed", append(attrs, "error", reason)...)
	default:
		s.logger.Info("heartbeat: state changed", attrs...)
	}

	ev := &log.StateChangeEvent{OldState: prev.String(), NewState: next.String()}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	s.proto.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		DeviceID:     s.udid,
		StateChange:  ev,
	})
}

func (s *Session) logBeat(seq uint64, err error, latency time.Duration, retry bool) {
	ev := &log.HeartbeatEvent{Sequence: seq, OK: err == nil, Retry: retry}
	if err == nil {
		ev.Latency = latency
	}
	s.proto.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerSession,
		Category:     log.CategoryHeartbeat,
		DeviceID:     s.udid,
		Heartbeat:    ev,
	})
	if err != nil {
		s.proto.Log(log.NewErrorEvent(log.LayerSession, s.connID, s.udid, err, "heartbeat"))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
