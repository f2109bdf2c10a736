package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/rs/zerolog"
)

// State is the engine lifecycle state
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateCapturing
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown engine state %q", text)
}

// EventType identifies an engine notification
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventError        EventType = "error"
)

// Event is broadcast to subscribers on every state change and capture error
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`

	Err *Error `json:"-"`
}

// Stats is a snapshot of the engine for status reporting
type Stats struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Sessions  uint64    `json:"sessions"`
	Fault     string    `json:"fault,omitempty"`
	Pool      PoolStats `json:"pool"`
}

const subscriberBuffer = 32

// Engine owns the capture session and exposes the latest frame to the render
// tick. At most one session is active; starting a new one tears the previous
// one down completely first.
type Engine struct {
	source Source
	pool   *FramePool
	log    *zerolog.Logger

	// opMu serializes Select, Start and Stop
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	session  Session
	target   Target
	gen      uint64
	seq      uint64
	sessions uint64

	// startLost holds a target loss reported while Begin was still running
	startLost error

	// fault is read by the render tick without taking mu
	fault atomic.Pointer[Error]

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewEngine creates an idle engine over source
func NewEngine(source Source) *Engine {
	return &Engine{
		source:      source,
		pool:        NewFramePool(),
		log:         logger.WithComponent("engine"),
		state:       StateIdle,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Select enters region selection. Only valid while no session is running.
func (e *Engine) Select() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session != nil {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("cannot select while %s", state)
	}
	e.state = StateSelecting
	e.mu.Unlock()

	e.log.Info().Msg("Entered selection mode")
	e.emit(Event{Type: EventStateChanged, State: StateSelecting})
	return nil
}

// Start begins capturing target, tearing down any running session first
func (e *Engine) Start(target Target) error {
	if err := target.Validate(); err != nil {
		return NewError(KindTargetUnavailable, "start", err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	running := e.session != nil
	e.mu.Unlock()
	if running {
		e.stopLocked()
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.startLost = nil
	e.mu.Unlock()
	e.fault.Store(nil)
	e.pool.Reopen()

	sink := &sessionSink{engine: e, gen: gen}
	sess, err := e.source.Begin(target, sink)
	if err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) {
			cerr = NewError(Classify(err), "begin", err)
		}
		e.mu.Lock()
		e.gen++
		e.state = StateIdle
		e.mu.Unlock()

		e.log.Error().
			Err(err).
			Str("source", e.source.Name()).
			Str("target", target.String()).
			Str("kind", cerr.Kind.String()).
			Msg("Failed to start capture session")
		e.emitError(cerr, "", target)
		e.emit(Event{Type: EventStateChanged, State: StateIdle})
		return cerr
	}

	e.mu.Lock()
	e.session = sess
	e.target = target
	e.state = StateCapturing
	e.sessions++
	lost := e.startLost
	e.startLost = nil
	e.mu.Unlock()

	e.log.Info().
		Str("source", e.source.Name()).
		Str("session", sess.ID()).
		Str("target", target.String()).
		Int("width", target.Rect.Dx()).
		Int("height", target.Rect.Dy()).
		Msg("Capture session started")
	e.emit(Event{Type: EventStateChanged, State: StateCapturing, SessionID: sess.ID(), Target: target.String()})

	// The target was already hidden; the next frame resumes capture
	if lost != nil {
		sink.OnTargetLost(lost)
	}
	return nil
}

// Stop tears down the running session and returns the engine to Idle
func (e *Engine) Stop() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stopLocked()
	return nil
}

// stopLocked runs with opMu held. The session is detached under mu so no
// sink call can touch it again, then torn down outside mu because
// StopNotifications waits for sink calls that may be blocked on mu.
func (e *Engine) stopLocked() {
	e.mu.Lock()
	sess := e.session
	if sess == nil {
		changed := e.state != StateIdle
		e.state = StateIdle
		e.mu.Unlock()
		if changed {
			e.emit(Event{Type: EventStateChanged, State: StateIdle})
		}
		return
	}
	e.session = nil
	e.gen++
	e.state = StateStopped
	target := e.target
	e.mu.Unlock()

	e.emit(Event{Type: EventStateChanged, State: StateStopped, SessionID: sess.ID(), Target: target.String()})

	e.teardown(sess)
	e.fault.Store(nil)

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	e.log.Info().
		Str("session", sess.ID()).
		Str("target", target.String()).
		Msg("Capture session stopped")
	e.emit(Event{Type: EventStateChanged, State: StateIdle})
}

// teardown releases a session in dependency order: notifications, pooled
// frames, the compositor session, then the device.
func (e *Engine) teardown(sess Session) {
	sess.StopNotifications()
	e.pool.Close()
	if err := sess.Close(); err != nil {
		e.log.Warn().Err(err).Str("session", sess.ID()).Msg("Failed to close capture session cleanly")
	}
	if dev := sess.Device(); dev != nil {
		dev.Release()
	}
}

// LatestTexture returns the newest frame published since the last call, or
// nil. It is called once per render tick and never blocks on the source.
// The caller owns the frame and must Release it.
func (e *Engine) LatestTexture() *Frame {
	if e.fault.Load() != nil {
		return nil
	}
	return e.pool.TryTakeLatest()
}

// Fault returns the device-lost error reported by the running session
func (e *Engine) Fault() error {
	if f := e.fault.Load(); f != nil {
		return f
	}
	return nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Target returns the target of the running session
func (e *Engine) Target() (Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target, e.session != nil
}

// SessionID returns the running session's id, or ""
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID()
}

// Device returns the running session's capture device, or nil
func (e *Engine) Device() gpu.CaptureDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Device()
}

// Stats returns a snapshot of the engine
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		State:    e.state,
		Sessions: e.sessions,
	}
	if e.session != nil {
		s.SessionID = e.session.ID()
		s.Target = e.target.String()
	}
	e.mu.Unlock()

	if f := e.fault.Load(); f != nil {
		s.Fault = f.Error()
	}
	s.Pool = e.pool.Stats()
	return s
}

// Subscribe returns a channel of engine events. Slow subscribers miss events
// rather than stall the engine.
func (e *Engine) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	e.subMu.Lock()
	e.subscribers[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (e *Engine) Unsubscribe(ch chan Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, ok := e.subscribers[ch]; ok {
		delete(e.subscribers, ch)
		close(ch)
	}
}

// Close stops capture and closes every subscriber channel
func (e *Engine) Close() {
	_ = e.Stop()

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subscribers {
		delete(e.subscribers, ch)
		close(ch)
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			e.log.Debug().Str("type", string(ev.Type)).Msg("Subscriber full, dropping event")
		}
	}
}

func (e *Engine) emitError(err *Error, sessionID string, target Target) {
	e.emit(Event{
		Type:      EventError,
		State:     e.State(),
		SessionID: sessionID,
		Target:    target.String(),
		Kind:      err.Kind.String(),
		Message:   err.Error(),
		Err:       err,
	})
}

// sessionSink binds a source's notifications to one session generation.
// Calls from a torn-down session are ignored and their frames released.
type sessionSink struct {
	engine *Engine
	gen    uint64
}

func (s *sessionSink) OnFrame(f *Frame) {
	e := s.engine

	e.mu.Lock()
	if s.gen != e.gen {
		e.mu.Unlock()
		f.Release()
		return
	}
	e.seq++
	f.Seq = e.seq
	resumed := false
	if e.state == StatePaused {
		e.state = StateCapturing
		resumed = true
	}
	sessionID, target := "", e.target
	if e.session != nil {
		sessionID = e.session.ID()
	}
	e.mu.Unlock()

	e.pool.Publish(f)

	if resumed {
		e.log.Info().Str("session", sessionID).Msg("Target available again, capture resumed")
		e.emit(Event{Type: EventStateChanged, State: StateCapturing, SessionID: sessionID, Target: target.String()})
	}
}

func (s *sessionSink) OnTargetLost(err error) {
	e := s.engine

	e.mu.Lock()
	if s.gen != e.gen {
		e.mu.Unlock()
		return
	}
	if e.session == nil {
		e.startLost = err
		e.mu.Unlock()
		return
	}
	paused := e.state == StateCapturing
	if paused {
		e.state = StatePaused
	}
	sessionID, target := e.session.ID(), e.target
	e.mu.Unlock()

	if !paused {
		return
	}

	cerr := NewError(KindTargetUnavailable, "capture", err)
	e.log.Warn().
		Err(err).
		Str("session", sessionID).
		Str("target", target.String()).
		Msg("Capture target unavailable, pausing")
	e.emit(Event{Type: EventStateChanged, State: StatePaused, SessionID: sessionID, Target: target.String()})
	e.emitError(cerr, sessionID, target)
}

func (s *sessionSink) OnDeviceLost(err error) {
	e := s.engine

	e.mu.Lock()
	if s.gen != e.gen {
		e.mu.Unlock()
		return
	}
	sessionID, target := "", e.target
	if e.session != nil {
		sessionID = e.session.ID()
	}
	e.mu.Unlock()

	cerr := NewError(KindDeviceLost, "capture", err)
	if !e.fault.CompareAndSwap(nil, cerr) {
		return
	}
	e.pool.Drain()

	e.log.Error().
		Err(err).
		Str("session", sessionID).
		Str("target", target.String()).
		Msg("Capture device lost, session must be rebuilt")
	e.emitError(cerr, sessionID, target)
}
