package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// ErrorKind classifies capture failures by how the caller must react
type ErrorKind int

const (
	// KindTargetUnavailable means the window or monitor went away or was
	// minimized. The engine pauses and the caller may retarget.
	KindTargetUnavailable ErrorKind = iota
	// KindDeviceLost is fatal to the session. Every GPU object on both sides
	// must be rebuilt.
	KindDeviceLost
	// KindMapFailure drops a single frame. The last good frame stays on screen.
	KindMapFailure
	// KindDimensionMismatch is informational: dependent textures get reallocated.
	KindDimensionMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindTargetUnavailable:
		return "target_unavailable"
	case KindDeviceLost:
		return "device_lost"
	case KindMapFailure:
		return "map_failure"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	default:
		return "unknown"
	}
}

// MarshalText lets the kind appear by name in JSON events
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	// ErrTargetUnavailable is the sentinel wrapped by target-lost reports
	ErrTargetUnavailable = errors.New("capture target unavailable")

	// ErrNoBuffer is returned when every compositor buffer is still held
	ErrNoBuffer = errors.New("no free compositor buffer")
)

// Error is a classified capture failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the operation that produced it
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps an arbitrary error onto an ErrorKind. Errors that do not carry
// a known cause are treated as target failures, which only pause capture.
func Classify(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, gpu.ErrDeviceLost):
		return KindDeviceLost
	case errors.Is(err, gpu.ErrMapFailed):
		return KindMapFailure
	default:
		return KindTargetUnavailable
	}
}

// IsDeviceLost reports whether err requires a full rebuild
func IsDeviceLost(err error) bool {
	return err != nil && Classify(err) == KindDeviceLost
}

// IsMapFailure reports whether err only drops the current frame
func IsMapFailure(err error) bool {
	return err != nil && Classify(err) == KindMapFailure
}

// IsTargetUnavailable reports whether err means the target went away
func IsTargetUnavailable(err error) bool {
	return err != nil && Classify(err) == KindTargetUnavailable
}
