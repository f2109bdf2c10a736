package capture

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

var testTarget = Target{Kind: TargetMonitor, ID: 0, Rect: image.Rect(0, 0, 64, 48)}

func newTestEngine(t *testing.T) (*Engine, *SyntheticSource) {
	t.Helper()
	src := NewSyntheticSource(SyntheticOptions{Width: 64, Height: 48})
	e := NewEngine(src)
	t.Cleanup(e.Close)
	return e, src
}

func waitEvent(t *testing.T, ch chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEngineEmptyState(t *testing.T) {
	e, _ := newTestEngine(t)

	if got := e.State(); got != StateIdle {
		t.Fatalf("State() = %s, want idle", got)
	}
	if f := e.LatestTexture(); f != nil {
		t.Fatalf("LatestTexture() before start = seq %d, want nil", f.Seq)
	}

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f := e.LatestTexture(); f != nil {
		t.Fatalf("LatestTexture() before first frame = seq %d, want nil", f.Seq)
	}
}

func TestEngineSequenceNumbers(t *testing.T) {
	e, src := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := src.Session()

	var last uint64
	for i := 0; i < 5; i++ {
		if err := sess.Emit(); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
		f := e.LatestTexture()
		if f == nil {
			t.Fatalf("LatestTexture() after frame %d = nil", i)
		}
		if f.Seq <= last {
			t.Fatalf("frame seq %d not greater than %d", f.Seq, last)
		}
		if f.Width != 64 || f.Height != 48 {
			t.Errorf("frame size = %dx%d, want 64x48", f.Width, f.Height)
		}
		last = f.Seq
		f.Release()
	}

	if f := e.LatestTexture(); f != nil {
		t.Fatalf("LatestTexture() with nothing new = seq %d, want nil", f.Seq)
	}
}

func TestEngineOverwriteReleasesBuffer(t *testing.T) {
	e, src := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := src.Session()

	// Three frames through a ring of two only works if evicted frames give
	// their buffers back
	for i := 0; i < 3; i++ {
		if err := sess.Emit(); err != nil {
			t.Fatalf("Emit() %d error = %v", i, err)
		}
	}
	if got := sess.BuffersInUse(); got != 1 {
		t.Fatalf("BuffersInUse() = %d, want 1", got)
	}

	f := e.LatestTexture()
	if f == nil || f.Seq != 3 {
		t.Fatalf("LatestTexture() = %v, want seq 3", f)
	}
	f.Release()
	if got := sess.BuffersInUse(); got != 0 {
		t.Fatalf("BuffersInUse() after release = %d, want 0", got)
	}
	if drops := sess.BufferDrops(); drops != 0 {
		t.Errorf("BufferDrops() = %d, want 0", drops)
	}
}

func TestEngineStopTearsDown(t *testing.T) {
	e, src := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := src.Session()
	if err := sess.Emit(); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := e.State(); got != StateIdle {
		t.Errorf("State() after Stop() = %s, want idle", got)
	}
	if !sess.SoftDevice().Released() {
		t.Error("capture device not released")
	}
	if got := sess.BuffersInUse(); got != 0 {
		t.Errorf("pooled frame not released, BuffersInUse() = %d", got)
	}
	if err := sess.Emit(); !errors.Is(err, errSessionStopped) {
		t.Errorf("Emit() after Stop() error = %v, want session stopped", err)
	}
	if e.Device() != nil || e.SessionID() != "" {
		t.Error("engine still exposes the stopped session")
	}
	if f := e.LatestTexture(); f != nil {
		t.Errorf("LatestTexture() after Stop() = seq %d, want nil", f.Seq)
	}
}

func TestEngineRestartReplacesSession(t *testing.T) {
	e, src := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := src.Session()
	if err := first.Emit(); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	firstID := e.SessionID()

	second := Target{Kind: TargetWindow, ID: 0x400001, Rect: image.Rect(0, 0, 32, 32)}
	if err := e.Start(second); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if src.Begins() != 2 {
		t.Fatalf("Begins() = %d, want 2", src.Begins())
	}
	if !first.SoftDevice().Released() {
		t.Error("previous session device not released")
	}
	if e.SessionID() == firstID {
		t.Error("session id not replaced")
	}
	if got, ok := e.Target(); !ok || got.String() != second.String() {
		t.Errorf("Target() = %s, %v, want %s", got, ok, second)
	}

	// The frame from the old session was dropped at teardown
	if f := e.LatestTexture(); f != nil {
		t.Fatalf("LatestTexture() = seq %d from previous session", f.Seq)
	}

	if err := src.Session().Emit(); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	f := e.LatestTexture()
	if f == nil || f.Width != 32 {
		t.Fatalf("LatestTexture() = %v, want a 32px frame from the new session", f)
	}
	f.Release()

	if got := e.Stats().Sessions; got != 2 {
		t.Errorf("Stats().Sessions = %d, want 2", got)
	}
}

func TestEngineStaleSinkIgnored(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stale := &sessionSink{engine: e, gen: 0}
	released := false
	frame := &Frame{Width: 1, Height: 1, release: func() { released = true }}
	stale.OnFrame(frame)
	if !released {
		t.Error("frame from a stale session was not released")
	}
	if e.LatestTexture() != nil {
		t.Error("frame from a stale session was published")
	}

	stale.OnDeviceLost(gpu.ErrDeviceLost)
	if e.Fault() != nil {
		t.Error("device loss from a stale session set a fault")
	}
}

func TestEngineStartsWithHiddenTarget(t *testing.T) {
	src := NewSyntheticSource(SyntheticOptions{Width: 64, Height: 48, StartHidden: true})
	e := NewEngine(src)
	t.Cleanup(e.Close)
	events := e.Subscribe()

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() with a hidden target error = %v", err)
	}
	if got := e.State(); got != StatePaused {
		t.Fatalf("State() = %s, want paused", got)
	}
	ev := waitEvent(t, events, func(ev Event) bool { return ev.Type == EventError })
	if ev.Kind != KindTargetUnavailable.String() {
		t.Errorf("error event kind = %s, want target_unavailable", ev.Kind)
	}

	sess := src.Session()
	sess.RestoreTarget()
	if err := sess.Emit(); err != nil {
		t.Fatalf("Emit() after restore error = %v", err)
	}
	if got := e.State(); got != StateCapturing {
		t.Fatalf("State() after first frame = %s, want capturing", got)
	}
	f := e.LatestTexture()
	if f == nil {
		t.Fatal("LatestTexture() after resume = nil")
	}
	f.Release()
}

func TestEngineTargetLostPausesAndResumes(t *testing.T) {
	e, src := newTestEngine(t)
	events := e.Subscribe()

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := src.Session()

	sess.LoseTarget()
	if got := e.State(); got != StatePaused {
		t.Fatalf("State() after target lost = %s, want paused", got)
	}
	ev := waitEvent(t, events, func(ev Event) bool { return ev.Type == EventError })
	if ev.Kind != KindTargetUnavailable.String() {
		t.Errorf("error event kind = %s, want target_unavailable", ev.Kind)
	}
	if err := sess.Emit(); !IsTargetUnavailable(err) {
		t.Errorf("Emit() while hidden error = %v", err)
	}

	sess.RestoreTarget()
	if err := sess.Emit(); err != nil {
		t.Fatalf("Emit() after restore error = %v", err)
	}
	if got := e.State(); got != StateCapturing {
		t.Fatalf("State() after next frame = %s, want capturing", got)
	}
	waitEvent(t, events, func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == StateCapturing
	})

	f := e.LatestTexture()
	if f == nil {
		t.Fatal("LatestTexture() after resume = nil")
	}
	f.Release()
}

func TestEngineDeviceLostThenRestart(t *testing.T) {
	e, src := newTestEngine(t)
	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := src.Session()
	if err := sess.Emit(); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	sess.LoseDevice()

	fault := e.Fault()
	if !IsDeviceLost(fault) {
		t.Fatalf("Fault() = %v, want device lost", fault)
	}
	if f := e.LatestTexture(); f != nil {
		t.Fatalf("LatestTexture() while faulted = seq %d, want nil", f.Seq)
	}
	if got := sess.BuffersInUse(); got != 0 {
		t.Errorf("pool not drained on device loss, BuffersInUse() = %d", got)
	}

	target, ok := e.Target()
	if !ok {
		t.Fatal("Target() reports no session after device loss")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := e.Start(target); err != nil {
		t.Fatalf("Start() after device loss error = %v", err)
	}
	if e.Fault() != nil {
		t.Fatalf("Fault() after restart = %v, want nil", e.Fault())
	}

	if err := src.Session().Emit(); err != nil {
		t.Fatalf("Emit() after restart error = %v", err)
	}
	f := e.LatestTexture()
	if f == nil {
		t.Fatal("LatestTexture() after restart = nil")
	}
	f.Release()
}

func TestEngineBeginFailure(t *testing.T) {
	e, src := newTestEngine(t)
	events := e.Subscribe()

	src.FailNextBegin(gpu.ErrDeviceLost)
	err := e.Start(testTarget)

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Start() error = %v, want *Error", err)
	}
	if cerr.Kind != KindDeviceLost {
		t.Errorf("error kind = %s, want device_lost", cerr.Kind)
	}
	if got := e.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	waitEvent(t, events, func(ev Event) bool {
		return ev.Type == EventError && ev.Kind == KindDeviceLost.String()
	})

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() after failed begin error = %v", err)
	}
}

func TestEngineInvalidTarget(t *testing.T) {
	e, src := newTestEngine(t)

	err := e.Start(Target{Kind: TargetWindow})
	if !IsTargetUnavailable(err) {
		t.Fatalf("Start() error = %v, want target unavailable", err)
	}
	if src.Begins() != 0 {
		t.Errorf("Begins() = %d, want 0", src.Begins())
	}
}

func TestEngineSelect(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Select(); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got := e.State(); got != StateSelecting {
		t.Fatalf("State() = %s, want selecting", got)
	}

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Select(); err == nil {
		t.Fatal("Select() while capturing should fail")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := e.Select(); err != nil {
		t.Fatalf("Select() after Stop() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() from selecting error = %v", err)
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("State() = %s, want idle", got)
	}
}

func TestEngineStopEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	events := e.Subscribe()

	if err := e.Start(testTarget); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []State{StateCapturing, StateStopped, StateIdle}
	for _, state := range want {
		ev := waitEvent(t, events, func(ev Event) bool { return ev.Type == EventStateChanged })
		if ev.State != state {
			t.Fatalf("event state = %s, want %s", ev.State, state)
		}
	}

	e.Unsubscribe(events)
	if _, ok := <-events; ok {
		t.Error("channel still open after Unsubscribe()")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"device lost", gpu.ErrDeviceLost, KindDeviceLost},
		{"wrapped map failure", errors.Join(errors.New("staging"), gpu.ErrMapFailed), KindMapFailure},
		{"typed", NewError(KindDimensionMismatch, "copy", nil), KindDimensionMismatch},
		{"unknown", errors.New("window destroyed"), KindTargetUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
