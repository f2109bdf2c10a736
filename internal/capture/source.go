package capture

import (
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// FrameSink receives a session's notifications. Calls arrive on the
// source's own goroutine at a cadence the caller does not control, and must
// return quickly.
type FrameSink interface {
	// OnFrame hands over a frame. Ownership moves to the sink.
	OnFrame(f *Frame)

	// OnTargetLost reports that the window closed or was minimized, or the
	// monitor went away
	OnTargetLost(err error)

	// OnDeviceLost reports that the capture-side device is gone
	OnDeviceLost(err error)
}

// Session is a live capture of one target
type Session interface {
	ID() string
	Target() Target

	// Device is the capture-side device the session's textures live on
	Device() gpu.CaptureDevice

	// StopNotifications blocks until no sink call is running and none will
	// start again
	StopNotifications()

	// Close releases the compositor session and its buffers. The device is
	// released separately, after Close.
	Close() error
}

// Source wraps an OS capture API
type Source interface {
	Name() string

	// Begin starts capturing target. Notifications go to sink until
	// StopNotifications returns.
	Begin(target Target, sink FrameSink) (Session, error)
}
